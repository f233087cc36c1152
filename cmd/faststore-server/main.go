package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/faststore/pkg/config"
	"github.com/cuemby/faststore/pkg/engine"
	"github.com/cuemby/faststore/pkg/log"
	"github.com/cuemby/faststore/pkg/metrics"
	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/storage"
	"github.com/cuemby/faststore/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "faststore-server",
	Short:   "FastStore distributed block-slice storage data server",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a data server process",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		serverID, _ := cmd.Flags().GetUint32("server-id")
		groupIDs, _ := cmd.Flags().GetUintSlice("data-groups")

		return runServe(configPath, listenAddr, metricsAddr, serverID, groupIDs)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to faststore.yaml (defaults applied if empty)")
	serveCmd.Flags().String("listen", "0.0.0.0:7070", "Address to accept client and replication RPCs on")
	serveCmd.Flags().String("metrics-addr", "0.0.0.0:9090", "Address to serve Prometheus metrics and health checks on")
	serveCmd.Flags().Uint32("server-id", 1, "This server's cluster-unique server_id")
	serveCmd.Flags().UintSlice("data-groups", []uint{1}, "IDs of the data groups this server hosts")
}

func runServe(configPath, listenAddr, metricsAddr string, serverID uint32, groupIDs []uint) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store, err := storage.Open(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()

	send := func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
		return fmt.Errorf("send to peer %d not configured: single-node server build", peer.ServerID)
	}
	push := func(ctx context.Context, groupID uint32, peer *types.DataServerInfo) error {
		return nil
	}

	srv := engine.New(cfg, store, send, push)

	for _, id := range groupIDs {
		group := types.NewDataGroup(uint32(id))
		if rec, err := store.GetDataGroup(uint32(id)); err == nil {
			group.SetMaster(types.NewDataServerInfo(rec.MasterID, ""))
		}
		if _, err := srv.AddGroup(group); err != nil {
			return fmt.Errorf("add data group %d: %w", id, err)
		}
		log.Logger.Info().Uint32("data_group_id", uint32(id)).Msg("hosting data group")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv.StartReclaimers(ctx)
	go srv.Notifier().Run(ctx)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	log.Logger.Info().Str("addr", listenAddr).Uint32("server_id", serverID).Msg("faststore-server listening")

	go serveMetrics(ctx, metricsAddr, srv, serverID)

	return srv.Serve(ctx, ln)
}

func serveMetrics(ctx context.Context, addr string, eng *engine.Server, serverID uint32) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(eng.Status(serverID)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
