package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/app"
	"github.com/jmehdipour/sms-broadcast/internal/db"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo segments, authors, weekly slots and an editable broadcast",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Load(cfgPath)
		if err != nil {
			return err
		}

		sqlDB, err := db.Open(cfg.Store.Driver, cfg.Store.DSN, db.PoolOpts{PingTimeout: cfg.Store.PingTimeout})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		ctx := cmd.Context()
		log.Info("seeding demo data")
		segIDs, err := seedSegments(ctx, sqlDB)
		if err != nil {
			return err
		}
		if err := seedAuthors(ctx, sqlDB); err != nil {
			return err
		}
		if err := seedSlots(ctx, sqlDB); err != nil {
			return err
		}
		id, err := seedBroadcast(ctx, sqlDB, segIDs)
		if err != nil {
			return err
		}

		log.Info("seed completed", zap.Int64("editable_broadcast_id", id))
		return nil
	},
}

// seedSegments creates the demo segments and the fallback segment (idempotent by name).
func seedSegments(ctx context.Context, dbx *sqlx.DB) (map[string]int64, error) {
	repo := repository.NewSegmentsRepository(dbx)
	segments := []model.AudienceSegment{
		{Name: model.FallbackSegmentName, Definition: model.SegmentDefinition{InactiveForDays: 30}},
		{Name: "Engaged", Definition: model.SegmentDefinition{RepliedWithinDays: 14}},
		{Name: "VIP", Definition: model.SegmentDefinition{LabelsAny: []string{"vip"}}},
		{Name: "Newsletter", Definition: model.SegmentDefinition{LabelsAny: []string{"newsletter"}, LabelsNone: []string{"vip"}}},
	}

	ids := make(map[string]int64, len(segments))
	for _, s := range segments {
		cur, err := repo.GetByName(ctx, s.Name)
		if err != nil {
			return nil, fmt.Errorf("lookup segment %q: %w", s.Name, err)
		}
		if cur != nil {
			ids[s.Name] = cur.ID
			continue
		}
		id, err := repo.Insert(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("insert segment %q: %w", s.Name, err)
		}
		ids[s.Name] = id
	}
	return ids, nil
}

// seedAuthors inserts 40 deterministic demo recipients (idempotent by phone).
func seedAuthors(ctx context.Context, dbx *sqlx.DB) error {
	repo := repository.NewAuthorsRepository(dbx)
	now := time.Now().UTC()
	for i := 0; i < 40; i++ {
		phone := fmt.Sprintf("+1555010%04d", i)
		cur, err := repo.Get(ctx, phone)
		if err != nil {
			return fmt.Errorf("lookup author %s: %w", phone, err)
		}
		if cur != nil {
			continue
		}

		a := model.Author{Phone: phone, Unsubscribed: i%10 == 9}
		if i%3 == 0 {
			replied := now.AddDate(0, 0, -i)
			a.LastRepliedAt = &replied
		}
		var labels []string
		switch {
		case i < 5:
			labels = []string{"vip"}
		case i%2 == 0:
			labels = []string{"newsletter"}
		}
		if err := repo.Insert(ctx, a, labels...); err != nil {
			return fmt.Errorf("insert author %s: %w", phone, err)
		}
	}
	return nil
}

// seedSlots adds Monday and Thursday 18:00 when no slot is active yet.
func seedSlots(ctx context.Context, dbx *sqlx.DB) error {
	repo := repository.NewSettingsRepository(dbx)
	slots, err := repo.ActiveSlots(ctx)
	if err != nil {
		return fmt.Errorf("load slots: %w", err)
	}
	if len(slots) > 0 {
		return nil
	}
	for _, wd := range []time.Weekday{time.Monday, time.Thursday} {
		if _, err := repo.InsertSlot(ctx, model.TimeSlot{Weekday: int(wd), TimeOfDay: "18:00", Active: true}); err != nil {
			return fmt.Errorf("insert slot: %w", err)
		}
	}
	return nil
}

// seedBroadcast creates the editable draft when none exists.
func seedBroadcast(ctx context.Context, dbx *sqlx.DB, segIDs map[string]int64) (int64, error) {
	repo := repository.NewBroadcastsRepository(dbx)
	cur, err := repo.GetEditable(ctx)
	if err != nil {
		return 0, fmt.Errorf("load editable broadcast: %w", err)
	}
	if cur != nil {
		return cur.ID, nil
	}
	b := model.Broadcast{
		FirstMessage:  "Hi! This week's update is out. Reply STOP to opt out.",
		SecondMessage: "Did you get a chance to read it? Reply with any questions.",
		DelaySeconds:  3600,
		NoUsers:       30,
		Editable:      true,
	}
	segs := []model.BroadcastSegment{
		{SegmentID: segIDs["VIP"], Ratio: 20},
		{SegmentID: segIDs["Engaged"], Ratio: 50},
	}
	id, err := repo.Insert(ctx, nil, b, segs)
	if err != nil {
		return 0, fmt.Errorf("insert broadcast: %w", err)
	}
	return id, nil
}
