package yati

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/falk/yati-go/pkg/container"
	"github.com/falk/yati-go/pkg/es"
	"github.com/falk/yati-go/pkg/keys"
	"github.com/falk/yati-go/pkg/nca"
	"github.com/falk/yati-go/pkg/ncm"
	"github.com/falk/yati-go/pkg/source"
)

// installer is the per-container state: the selected storage pair plus
// the shared services.
type installer struct {
	svc *Services
	cfg Config
	src source.Source

	cs        ncm.ContentStorage
	db        ncm.ContentMetaDb
	storageId uint8
}

// InstallFromFile opens path and installs whatever container it holds.
func InstallFromFile(ctx context.Context, svc *Services, cfg Config, path string) error {
	src := source.NewFile(path)
	defer src.Close()
	return InstallFromSource(ctx, svc, cfg, src)
}

// InstallFromSource probes the container format, then installs.
func InstallFromSource(ctx context.Context, svc *Services, cfg Config, src source.Source) error {
	if err := src.OpenResult(); err != nil {
		return err
	}
	c, err := container.Probe(src)
	if err != nil {
		return err
	}
	return InstallFromContainer(ctx, svc, cfg, c)
}

// InstallFromContainer enumerates the container and installs its
// collections.
func InstallFromContainer(ctx context.Context, svc *Services, cfg Config, c container.Container) error {
	collections, err := c.GetCollections()
	if err != nil {
		return err
	}
	return InstallFromCollections(ctx, svc, cfg, c.Source(), collections)
}

// InstallFromCollections is the per-container orchestrator: classify,
// install each meta NCA and its children, import tickets, scrub
// superseded entries, register, commit, push the record.
func InstallFromCollections(ctx context.Context, svc *Services, cfg Config, src source.Source, collections []container.CollectionEntry) error {
	if err := src.OpenResult(); err != nil {
		return err
	}

	inst := &installer{
		svc:       svc,
		cfg:       cfg,
		src:       src,
		cs:        svc.Storage[svc.storageIndex(&cfg)].CS,
		db:        svc.Storage[svc.storageIndex(&cfg)].DB,
		storageId: svc.storageId(&cfg),
	}
	log := svc.log()

	// a cancelled install context must also unblock a blocking source.
	stop := context.AfterFunc(ctx, src.SignalCancel)
	defer stop()

	tickets, err := gatherTickets(src, collections)
	if err != nil {
		return err
	}

	if cfg.TicketOnly {
		return inst.installTickets(tickets, true)
	}

	cnmts := gatherCnmts(collections)
	for _, cnmt := range cnmts {
		if err := inst.installCnmt(ctx, tickets, cnmt, collections); err != nil {
			return err
		}
	}

	log.Debug("install finished")
	return nil
}

// installCnmt installs one meta NCA and everything it names. Every
// placeholder created here is deleted on the way out; successfully
// registered placeholders are gone by then, so the deletes only catch
// failure paths.
func (inst *installer) installCnmt(ctx context.Context, tickets []*TicketCollection, cnmt *CnmtCollection, collections []container.CollectionEntry) (err error) {
	log := inst.svc.log()

	defer func() {
		inst.cs.DeletePlaceHolder(cnmt.PlaceholderId)
		for _, child := range cnmt.Ncas {
			inst.cs.DeletePlaceHolder(child.PlaceholderId)
		}
	}()

	if err := inst.installCnmtNca(ctx, tickets, cnmt, collections); err != nil {
		return err
	}

	appId := ncm.GetAppId(cnmt.Key.Type, cnmt.Key.Id)
	skip, latestVersion, err := inst.shouldSkip(cnmt, appId)
	if err != nil {
		return err
	}
	if skip {
		log.WithField("id", fmt.Sprintf("%016X", cnmt.Key.Id)).Debug("skipping install")
		return nil
	}

	for _, child := range cnmt.Ncas {
		if child.ContentType == ncm.ContentTypeControl {
			err = inst.installControlNca(ctx, tickets, child)
		} else {
			err = inst.installNca(ctx, tickets, child)
		}
		if err != nil {
			return err
		}
	}

	if err := inst.installTickets(tickets, false); err != nil {
		return err
	}

	if err := inst.removeSuperseded(cnmt, appId); err != nil {
		return err
	}

	// promote every placeholder; prior contents under the same id are
	// replaced.
	log.Debug("registering cnmt nca")
	if err := ncm.RegisterReplace(inst.cs, cnmt.ContentId, cnmt.PlaceholderId); err != nil {
		return err
	}
	for _, child := range cnmt.Ncas {
		log.WithField("name", child.Name).Debug("registering nca")
		if err := ncm.RegisterReplace(inst.cs, child.ContentId, child.PlaceholderId); err != nil {
			return err
		}
	}

	// the meta commit is last, so a partial install is never visible.
	blob := buildMetaBlob(cnmt)
	inst.svc.progress().NewTransfer("Updating ncm database")
	if err := inst.db.Set(cnmt.Key, blob); err != nil {
		return err
	}
	if err := inst.db.Commit(); err != nil {
		return err
	}

	inst.svc.progress().NewTransfer("Pushing application record")
	record := ncm.ContentStorageRecord{Key: cnmt.Key, StorageId: inst.storageId}
	if err := inst.svc.Records.Push(appId, []ncm.ContentStorageRecord{record}); err != nil {
		return err
	}
	if inst.svc.Launch != nil {
		if err := inst.svc.Launch.PushLaunchVersion(appId, latestVersion); err != nil {
			return err
		}
	}

	log.WithField("app_id", fmt.Sprintf("%016X", appId)).Debug("record pushed")
	return nil
}

// shouldSkip applies the already-installed / downgrade / type policies,
// and reports the latest version for the launch-version cache.
func (inst *installer) shouldSkip(cnmt *CnmtCollection, appId uint64) (bool, uint32, error) {
	log := inst.svc.log()
	skip := false
	latestVersion := cnmt.Key.Version

	records, err := inst.svc.Records.List(appId)
	if err != nil {
		return false, 0, err
	}
	for _, record := range records {
		if record.Key.Id == cnmt.Key.Id && record.Key.Type == cnmt.Key.Type &&
			record.Key.Version == cnmt.Key.Version && inst.cfg.SkipIfAlreadyInstalled {
			log.Debug("skipping: already installed")
			skip = true
		}

		if cnmt.Key.Type == ncm.ContentMetaTypePatch || cnmt.Key.Type == ncm.ContentMetaTypeDataPatch {
			if record.Key.Type == cnmt.Key.Type && cnmt.Key.Version < record.Key.Version && !inst.cfg.AllowDowngrade {
				log.Debug("skipping: downgrade")
				skip = true
			}
		} else {
			latestVersion = max(latestVersion, record.Key.Version)
		}
	}

	switch {
	case cnmt.Key.Type&0x80 == 0:
		log.WithField("type", cnmt.Key.Type).Debug("skipping: invalid meta type")
		skip = true
	case inst.cfg.SkipBase && cnmt.Key.Type == ncm.ContentMetaTypeApplication:
		skip = true
	case inst.cfg.SkipPatch && cnmt.Key.Type == ncm.ContentMetaTypePatch:
		skip = true
	case inst.cfg.SkipAddon && cnmt.Key.Type == ncm.ContentMetaTypeAddOnContent:
		skip = true
	case inst.cfg.SkipDataPatch && cnmt.Key.Type == ncm.ContentMetaTypeDataPatch:
		skip = true
	}

	return skip, latestVersion, nil
}

// installTickets imports every required ticket (all of them in
// ticket-only mode), optionally patching first.
func (inst *installer) installTickets(tickets []*TicketCollection, all bool) error {
	log := inst.svc.log()
	for _, tik := range tickets {
		if !tik.Required && !all {
			continue
		}
		if inst.cfg.SkipTicket {
			log.Warn("skipping ticket install, but it's required")
			continue
		}

		ticket := tik.Ticket
		// without PatchTicket only personalised tickets are patched, and
		// the buggy-ticket fix leaves those untouched.
		convert := false
		if inst.cfg.ConvertToCommonTicket {
			data, err := es.ParseTicket(ticket)
			if err != nil {
				return err
			}
			convert = data.TitleKeyType == es.TitleKeyTypePersonalized
		}
		if inst.cfg.PatchTicket || convert {
			patched, err := es.PatchTicket(ticket, inst.svc.Keys, inst.cfg.ConvertToCommonTicket)
			if err != nil {
				return err
			}
			ticket = patched
		}

		log.WithField("rights_id", tik.RightsId).Debug("importing ticket")
		if err := inst.svc.Tickets.ImportTicket(ticket, tik.Cert); err != nil {
			return err
		}
		tik.Required = false
	}
	return nil
}

// removeSuperseded deletes matching meta entries (and their contents)
// from both storages. For a patch, every prior patch of the application
// goes.
func (inst *installer) removeSuperseded(cnmt *CnmtCollection, appId uint64) error {
	log := inst.svc.log()

	idMin, idMax := cnmt.Key.Id, cnmt.Key.Id
	if cnmt.Key.Type == ncm.ContentMetaTypePatch {
		idMin, idMax = 0, math.MaxUint64
	}

	for i := range inst.svc.Storage {
		cs := inst.svc.Storage[i].CS
		db := inst.svc.Storage[i].DB
		if cs == nil || db == nil {
			continue
		}

		metaKeys, err := db.List(cnmt.Key.Type, appId, idMin, idMax, ncm.InstallTypeFull)
		if err != nil {
			return err
		}

		for _, key := range metaKeys {
			log.WithField("id", fmt.Sprintf("%016X", key.Id)).Debug("removing superseded key")

			header, err := db.Get(key)
			if err != nil {
				return err
			}
			infos, err := db.ListContentInfo(key)
			if err != nil {
				return err
			}
			if len(infos) != int(header.ContentCount) {
				return ncm.ErrDbCorruptInfos
			}

			for _, info := range infos {
				if err := ncm.DeleteIfExists(cs, info.ContentId); err != nil {
					return err
				}
			}

			if err := db.Remove(key); err != nil {
				return err
			}
			if err := db.Commit(); err != nil {
				return err
			}
		}
	}
	return nil
}

// installNca stages one NCA into a fresh placeholder and verifies its
// hash.
func (inst *installer) installNca(ctx context.Context, tickets []*TicketCollection, entry *NcaCollection) error {
	log := inst.svc.log()
	inst.svc.progress().NewTransfer(entry.Name)

	if err := keys.ParseHexKey(entry.ContentId[:], entry.Name); err != nil {
		return err
	}

	placeholderId, err := inst.cs.GeneratePlaceHolderId()
	if err != nil {
		return err
	}
	entry.PlaceholderId = placeholderId
	if err := inst.cs.CreatePlaceHolder(entry.ContentId, placeholderId, entry.Size); err != nil {
		return err
	}

	if err := newPipeline(inst, tickets, entry).run(ctx); err != nil {
		return err
	}

	if !inst.cfg.SkipNcaHashVerify && !entry.Modified {
		if entry.ContentId != ncm.ContentId(entry.Hash[:0x10]) {
			return fmt.Errorf("%w: %s", nca.ErrInvalidSha256, entry.Name)
		}
		log.WithField("name", entry.Name).Debug("nca hash is valid")
	}
	return nil
}

// installCnmtNca installs the meta NCA, then reads its cnmt to find the
// child NCAs.
func (inst *installer) installCnmtNca(ctx context.Context, tickets []*TicketCollection, cnmt *CnmtCollection, collections []container.CollectionEntry) error {
	if err := inst.installNca(ctx, tickets, &cnmt.NcaCollection); err != nil {
		return err
	}

	if err := inst.cs.FlushPlaceHolder(); err != nil {
		return err
	}
	path, err := inst.cs.GetPlaceHolderPath(cnmt.PlaceholderId)
	if err != nil {
		return err
	}

	meta, extended, infos, err := nca.ReadCnmt(path, inst.svc.Keys)
	if err != nil {
		return err
	}

	for _, info := range infos {
		if info.Info.ContentType == ncm.ContentTypeDeltaFragment {
			continue
		}

		entry, ok := findCollection(collections, info.Info.ContentId.String())
		if !ok {
			return fmt.Errorf("%w: %s", ErrNcaNotFound, info.Info.ContentId)
		}

		cnmt.Infos = append(cnmt.Infos, info)
		cnmt.Ncas = append(cnmt.Ncas, &NcaCollection{
			CollectionEntry: entry,
			ContentType:     info.Info.ContentType,
		})
	}

	cnmt.MetaHeader = meta.MetaHeader
	cnmt.MetaHeader.ContentCount = uint16(len(cnmt.Infos) + 1)
	cnmt.MetaHeader.StorageId = 0

	cnmt.Key = ncm.ContentMetaKey{
		Id:          meta.TitleId,
		Version:     meta.TitleVersion,
		Type:        meta.MetaType,
		InstallType: ncm.InstallTypeFull,
	}

	cnmt.ContentInfo = ncm.ContentInfo{
		ContentId:   cnmt.ContentId,
		ContentType: ncm.ContentTypeMeta,
	}
	cnmt.ContentInfo.SetSize(cnmt.Size)

	cnmt.ExtendedHeader = extended
	if inst.cfg.LowerSystemVersion {
		if off := ncm.RequiredSystemVersionOffset(cnmt.Key.Type); off >= 0 && off+4 <= len(extended) {
			inst.svc.log().Debug("lowering required system version")
			clear(extended[off : off+4])
		}
	}

	// children install in descending content-type order.
	sort.SliceStable(cnmt.Ncas, func(i, j int) bool {
		return cnmt.Ncas[i].ContentType > cnmt.Ncas[j].ContentType
	})
	return nil
}

// installControlNca additionally surfaces the localised title name.
func (inst *installer) installControlNca(ctx context.Context, tickets []*TicketCollection, entry *NcaCollection) error {
	if err := inst.installNca(ctx, tickets, entry); err != nil {
		return err
	}

	if err := inst.cs.FlushPlaceHolder(); err != nil {
		return err
	}
	path, err := inst.cs.GetPlaceHolderPath(entry.PlaceholderId)
	if err != nil {
		return err
	}

	name, err := nca.ReadControlName(path, inst.svc.Keys)
	if err != nil {
		// an unreadable control name is cosmetic, not fatal.
		inst.svc.log().WithError(err).Debug("control name unavailable")
		return nil
	}
	inst.svc.progress().SetTitle("Installing " + name)
	return nil
}

// buildMetaBlob serialises the record written to the meta database:
// header, extended header, the meta NCA's own info, then every child.
func buildMetaBlob(cnmt *CnmtCollection) []byte {
	blob := make([]byte, 0, 8+len(cnmt.ExtendedHeader)+(len(cnmt.Infos)+1)*ncm.ContentInfoSize)
	blob = ncm.AppendContentMetaHeader(blob, &cnmt.MetaHeader)
	blob = append(blob, cnmt.ExtendedHeader...)
	blob = ncm.AppendContentInfo(blob, &cnmt.ContentInfo)
	for i := range cnmt.Infos {
		blob = ncm.AppendContentInfo(blob, &cnmt.Infos[i].Info)
	}
	return blob
}
