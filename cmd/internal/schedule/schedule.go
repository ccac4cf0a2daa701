package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/cmd/internal/storage"
	cron "github.com/robfig/cron/v3"
)

// Submitter accepts operations, usually the operation registry
type Submitter interface {
	Submit(kind string, raw json.RawMessage) (v1.OperationSnapshot, error)
}

// Config describes which backups are taken periodically
type Config struct {
	// FullSchedule is the cron schedule of full backups
	FullSchedule string
	// IncrementalSchedule is the cron schedule of incremental backups, none are taken if empty
	IncrementalSchedule string
	DestinationURI      string
	Keyspaces           []string
}

func (c *Config) validate() error {
	if c.FullSchedule == "" && c.IncrementalSchedule == "" {
		return errors.New("at least one backup schedule must be given")
	}
	if c.DestinationURI == "" {
		return errors.New("backup destination must not be empty")
	}
	if _, _, err := storage.ParseDestination(c.DestinationURI); err != nil {
		return fmt.Errorf("backup destination: %w", err)
	}
	return nil
}

type scheduler struct {
	log       *slog.Logger
	config    Config
	submitter Submitter
	now       func() time.Time
}

// Start submits backups according to the configured schedules until ctx is done
func Start(ctx context.Context, log *slog.Logger, config Config, submitter Submitter) error {
	if err := config.validate(); err != nil {
		return err
	}

	s := &scheduler{
		log:       log,
		config:    config,
		submitter: submitter,
		now:       time.Now,
	}

	c := cron.New()

	var ids []cron.EntryID
	for backupType, spec := range map[v1.BackupType]string{
		v1.BackupTypeFull:        config.FullSchedule,
		v1.BackupTypeIncremental: config.IncrementalSchedule,
	} {
		if spec == "" {
			continue
		}

		id, err := c.AddFunc(spec, func() {
			if _, err := s.submit(backupType); err != nil {
				log.Error("unable to submit scheduled backup", "type", backupType, "error", err)
			}
			for _, e := range c.Entries() {
				log.Info("scheduling next backup", "at", e.Next.String())
			}
		})
		if err != nil {
			return fmt.Errorf("invalid %s backup schedule %q: %w", backupType, spec, err)
		}
		ids = append(ids, id)
	}

	c.Start()
	for _, id := range ids {
		log.Info("scheduling next backup", "at", c.Entry(id).Next.String())
	}

	<-ctx.Done()
	<-c.Stop().Done()

	return nil
}

func (s *scheduler) submit(backupType v1.BackupType) (string, error) {
	req := &v1.BackupRequest{
		BackupType:     backupType,
		DestinationURI: s.config.DestinationURI,
		SnapshotName:   SnapshotName(backupType, s.now()),
		Keyspaces:      s.config.Keyspaces,
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	snapshot, err := s.submitter.Submit(req.Kind(), raw)
	if err != nil {
		return "", err
	}

	s.log.Info("submitted scheduled backup", "id", snapshot.ID, "type", backupType, "snapshot", req.SnapshotName)

	return snapshot.ID, nil
}

// SnapshotName returns the name of a scheduled backup taken at t
func SnapshotName(backupType v1.BackupType, t time.Time) string {
	return fmt.Sprintf("%s-%s", backupType, t.UTC().Format("20060102T150405Z"))
}
