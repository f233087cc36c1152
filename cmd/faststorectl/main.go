// faststorectl is a read-only inspector for a running data server: it
// prints data-group membership, master/slave status and per-trunk live
// ratio, the Go-native equivalent of the original fs_service_stat tool.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "faststorectl",
	Short: "Read-only inspector for a FastStore data server",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print data-group membership and per-trunk live ratio",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("server")
		groups, err := fetchStatus(addr)
		if err != nil {
			return err
		}
		printStatus(groups)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("server", "127.0.0.1:9090", "Data server metrics address")
	rootCmd.AddCommand(statusCmd)
}

type groupStatus struct {
	GroupID     uint32        `json:"data_group_id"`
	MasterID    uint32        `json:"master_id"`
	IsMaster    bool          `json:"is_master"`
	DataVersion uint64        `json:"data_version"`
	Trunks      []trunkStatus `json:"trunks"`
}

type trunkStatus struct {
	TrunkID   uint32  `json:"trunk_id"`
	Used      uint64  `json:"used"`
	LiveSize  uint64  `json:"live_size"`
	LiveRatio float64 `json:"live_ratio"`
}

func fetchStatus(addr string) ([]groupStatus, error) {
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return nil, fmt.Errorf("fetch status from %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s replied %s", addr, resp.Status)
	}

	var groups []groupStatus
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return groups, nil
}

func printStatus(groups []groupStatus) {
	if len(groups) == 0 {
		fmt.Println("no data groups hosted")
		return
	}
	for _, g := range groups {
		role := "slave"
		if g.IsMaster {
			role = "master"
		}
		fmt.Printf("data_group %d: role=%s master_id=%d data_version=%d\n", g.GroupID, role, g.MasterID, g.DataVersion)
		for _, tf := range g.Trunks {
			fmt.Printf("  trunk %d: used=%d live=%d live_ratio=%.3f\n", tf.TrunkID, tf.Used, tf.LiveSize, tf.LiveRatio)
		}
	}
}
