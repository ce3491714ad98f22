package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/viktorenciso/EventCentric/db"
	"github.com/viktorenciso/EventCentric/eventstore"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	restoreBatchSize = 100
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "restore the events of a dump in an empty event store",
	Run: func(cmd *cobra.Command, args []string) {
		if err := restore(cmd, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(-1)
		}
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.PersistentFlags().StringVar(&dumpFile, "dumpfile", "", "path to dump file")
}

func restore(cmd *cobra.Command, args []string) error {
	c, err := parseConfig()
	if err != nil {
		return err
	}
	if dumpFile == "" {
		return errors.New("you should provide a dump file path (--dumpfile option)")
	}

	d, err := db.NewDB(c.DB.Type, c.DB.ConnString)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := context.Background()
	if err := d.Migrate(ctx, "eventstore", eventstore.Migrations); err != nil {
		return err
	}

	dao := eventstore.NewEventDao(d)
	v, err := dao.GlobalVersion(ctx)
	if err != nil {
		return err
	}
	if v != 0 {
		return errors.Errorf("event store isn't empty (version %d)", v)
	}

	f, err := os.Open(dumpFile)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	n := 0
	events := []*eventstore.StoredEvent{}
	for {
		var e eventstore.StoredEvent
		err := dec.Decode(&e)
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "failed to decode event")
		}
		if err == nil {
			events = append(events, &e)
		}
		if len(events) >= restoreBatchSize || (err == io.EOF && len(events) > 0) {
			if err := dao.RestoreEvents(ctx, events); err != nil {
				return err
			}
			n += len(events)
			events = []*eventstore.StoredEvent{}
		}
		if err == io.EOF {
			break
		}
	}

	// streams have no snapshot: aggregates must be rebuilt from their events
	log.Infof("restored %d events", n)
	return nil
}
