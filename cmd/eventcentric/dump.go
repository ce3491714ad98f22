package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/viktorenciso/EventCentric/db"
	"github.com/viktorenciso/EventCentric/eventstore"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const dumpBatchSize = 100

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "dump all the events as json lines",
	Run: func(cmd *cobra.Command, args []string) {
		if err := dump(cmd, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(-1)
		}
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.PersistentFlags().StringVar(&dumpFile, "dumpfile", "", "path to dump file")
}

func dump(cmd *cobra.Command, args []string) error {
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

	f, err := os.Create(dumpFile)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	dao := eventstore.NewEventDao(d)
	var last int64
	n := 0
	for {
		events, err := dao.FindEvents(ctx, last, dumpBatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return errors.WithStack(err)
			}
			last = e.SequenceNumber
			n++
		}
	}
	if err := w.Flush(); err != nil {
		return errors.WithStack(err)
	}
	log.Infof("dumped %d events, last sequence number %d", n, last)
	return errors.WithStack(f.Sync())
}
