package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/viktorenciso/EventCentric/node"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the node",
	Run: func(cmd *cobra.Command, args []string) {
		if err := serve(cmd, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(-1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	c, err := parseConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	rt, err := node.NewRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	// without an application handler the received events are only stored
	// in the inbox
	n := rt.NewNode(nil)
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()

	listenErrChan := make(chan error, 1)
	var srv *http.Server
	if c.Web.HTTP != "" {
		srv = &http.Server{
			Addr:    c.Web.HTTP,
			Handler: node.NewRouter(n, rt.Publisher),
		}
		log.Infof("http listening on %s", c.Web.HTTP)
		go func() {
			err := srv.ListenAndServe()
			listenErrChan <- fmt.Errorf("listening on %s failed: %v", c.Web.HTTP, err)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, stopping", sig)
	case err := <-listenErrChan:
		return err
	}

	if err := n.Stop(); err != nil {
		log.Errorf("failed to stop node: %+v", err)
	}
	if srv != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Errorf("http server shutdown: %v", err)
		}
	}
	return nil
}
