// modsync is a LAN peer-to-peer modpack sync daemon: UDP-broadcast peer
// discovery with short-code pairing, a priority transfer queue, filesystem
// watching with debounced change batches, and invite-code quick join.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const appVersion = "0.3.0"

var (
	apiAddr string
	apiURL  string
)

var rootCmd = &cobra.Command{
	Use:   "modsync",
	Short: "LAN peer-to-peer modpack synchronization",
	Long: `modsync keeps Minecraft modpacks in sync across a LAN.

It discovers peers via UDP broadcast (with an mDNS fallback), pairs
instances with short codes, watches modpack folders for changes, queues
transfers by priority and turns invite codes into ready-to-play server
instances.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the modsync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(apiAddr)
	},
}

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "Show this instance's pairing code",
	RunE: func(cmd *cobra.Command, args []string) error {
		var health struct {
			DiscoveryRunning bool   `json:"discovery_running"`
			PairingCode      string `json:"pairing_code"`
		}
		if err := apiGet("/health", &health); err != nil {
			return err
		}
		if !health.DiscoveryRunning {
			return fmt.Errorf("discovery is not running (disabled or invisible)")
		}
		fmt.Println(health.PairingCode)
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <code>",
	Short: "Pair with a peer by its code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var peer struct {
			ID       string `json:"id"`
			Nickname string `json:"nickname"`
			Address  string `json:"address"`
			Port     int    `json:"port"`
		}
		if err := apiPost("/connect", map[string]string{"code": args[0]}, &peer); err != nil {
			return err
		}
		name := peer.Nickname
		if name == "" {
			name = peer.ID
		}
		fmt.Printf("connected to %s at %s:%d\n", name, peer.Address, peer.Port)
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List discovered peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var peers []struct {
			ID       string `json:"id"`
			Nickname string `json:"nickname"`
			Address  string `json:"address"`
			Port     int    `json:"port"`
			LastSeen string `json:"last_seen"`
		}
		if err := apiGet("/peers", &peers); err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("no peers discovered")
			return nil
		}
		for _, p := range peers {
			name := p.Nickname
			if name == "" {
				name = "(anonymous)"
			}
			fmt.Printf("%-20s %-36s %s:%d\n", name, p.ID, p.Address, p.Port)
		}
		return nil
	},
}

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Manage server invites",
}

var inviteCreateCmd = &cobra.Command{
	Use:   "create <server-name>",
	Short: "Create an invite code for a hosted server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		maxUses, _ := cmd.Flags().GetInt("max-uses")
		expiresH, _ := cmd.Flags().GetInt("expires-hours")

		var inv struct {
			ID   string `json:"id"`
			Code string `json:"code"`
		}
		err := apiPost("/invites", map[string]any{
			"server_name":      args[0],
			"server_address":   address,
			"max_uses":         maxUses,
			"expires_in_hours": expiresH,
		}, &inv)
		if err != nil {
			return err
		}
		fmt.Printf("invite %s created: %s\n", inv.ID, inv.Code)
		return nil
	},
}

var inviteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List invites",
	RunE: func(cmd *cobra.Command, args []string) error {
		var invites []struct {
			ID         string `json:"id"`
			Code       string `json:"code"`
			ServerName string `json:"server_name"`
			UseCount   int    `json:"use_count"`
			MaxUses    int    `json:"max_uses"`
			Valid      bool   `json:"valid"`
		}
		if err := apiGet("/invites", &invites); err != nil {
			return err
		}
		if len(invites) == 0 {
			fmt.Println("no invites")
			return nil
		}
		for _, inv := range invites {
			state := "valid"
			if !inv.Valid {
				state = "invalid"
			}
			uses := fmt.Sprintf("%d", inv.UseCount)
			if inv.MaxUses > 0 {
				uses = fmt.Sprintf("%d/%d", inv.UseCount, inv.MaxUses)
			}
			fmt.Printf("%-36s %-14s %-8s uses %-8s %s\n", inv.ID, inv.Code, state, uses, inv.ServerName)
		}
		return nil
	},
}

var inviteRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an invite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiPost("/invites/"+args[0]+"/revoke", nil, nil); err != nil {
			return err
		}
		fmt.Println("invite revoked")
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <code>",
	Short: "Join a server by invite code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status struct {
			ID         string  `json:"id"`
			Stage      string  `json:"stage"`
			Detail     string  `json:"detail"`
			Progress   float64 `json:"progress"`
			FilesDone  int     `json:"files_done"`
			FilesTotal int     `json:"files_total"`
			Error      string  `json:"error"`
			Done       bool    `json:"done"`
		}
		if err := apiPost("/join", map[string]string{"code": args[0]}, &status); err != nil {
			return err
		}

		lastLine := ""
		for !status.Done {
			time.Sleep(250 * time.Millisecond)
			if err := apiGet("/join/"+status.ID, &status); err != nil {
				return err
			}
			line := status.Stage
			if status.Detail != "" {
				line += " " + status.Detail
			}
			if status.Stage == "downloading" && status.FilesTotal > 0 {
				line = fmt.Sprintf("downloading %d/%d (%.0f%%)", status.FilesDone, status.FilesTotal, status.Progress*100)
			}
			if line != lastLine {
				fmt.Println(line)
				lastLine = line
			}
		}
		if status.Error != "" {
			return fmt.Errorf("join failed: %s", status.Error)
		}
		fmt.Println("join complete")
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage modpack folder watching",
}

var watchAddCmd = &cobra.Command{
	Use:   "add <modpack> <path>",
	Short: "Register a modpack folder for watching",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		debounce, _ := cmd.Flags().GetInt("debounce-ms")
		ignore, _ := cmd.Flags().GetStringSlice("ignore")
		folders, _ := cmd.Flags().GetStringSlice("folders")
		peers, _ := cmd.Flags().GetStringSlice("peers")

		err := apiPost("/watches", map[string]any{
			"modpack_name":    args[0],
			"modpack_path":    args[1],
			"target_peers":    peers,
			"enabled":         true,
			"debounce_ms":     debounce,
			"ignore_patterns": ignore,
			"watch_folders":   folders,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Printf("watch config for %q saved\n", args[0])
		return nil
	},
}

var watchStartCmd = &cobra.Command{
	Use:   "start <modpack>",
	Short: "Start watching a configured modpack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiPost("/watches/"+args[0]+"/start", nil, nil); err != nil {
			return err
		}
		fmt.Printf("watching %q\n", args[0])
		return nil
	},
}

var watchStopCmd = &cobra.Command{
	Use:   "stop <modpack>",
	Short: "Stop watching a modpack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiPost("/watches/"+args[0]+"/stop", nil, nil); err != nil {
			return err
		}
		fmt.Printf("stopped watching %q\n", args[0])
		return nil
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watch configs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var watches []struct {
			ModpackName string `json:"modpack_name"`
			ModpackPath string `json:"modpack_path"`
			Enabled     bool   `json:"enabled"`
			Watching    bool   `json:"watching"`
		}
		if err := apiGet("/watches", &watches); err != nil {
			return err
		}
		if len(watches) == 0 {
			fmt.Println("no watch configs")
			return nil
		}
		for _, wc := range watches {
			state := "idle"
			if wc.Watching {
				state = "watching"
			} else if !wc.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-20s %-10s %s\n", wc.ModpackName, state, wc.ModpackPath)
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the transfer queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		var items []struct {
			ID          string `json:"id"`
			ModpackName string `json:"modpack_name"`
			PeerID      string `json:"peer_id"`
			Priority    string `json:"priority"`
			State       string `json:"state"`
			Error       string `json:"error"`
		}
		if err := apiGet("/queue", &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		for _, item := range items {
			line := fmt.Sprintf("%-36s %-10s %-10s %s -> %s", item.ID, item.State, item.Priority, item.ModpackName, item.PeerID)
			if item.Error != "" {
				line += " (" + item.Error + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func apiGet(path string, out any) error {
	resp, err := http.Get(apiURL + path)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	return decodeResponse(resp, out)
}

func apiPost(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := http.Post(apiURL+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s", apiErr.Message)
		}
		return fmt.Errorf("request failed: %s", strings.TrimSpace(string(data)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:42800", "daemon API base URL")
	serveCmd.Flags().StringVar(&apiAddr, "listen", "127.0.0.1:42800", "API listen address")

	inviteCreateCmd.Flags().String("address", "", "server address peers should connect to")
	inviteCreateCmd.Flags().Int("max-uses", 0, "maximum redemptions, 0 for unlimited")
	inviteCreateCmd.Flags().Int("expires-hours", 0, "hours until expiry, 0 for never")

	watchAddCmd.Flags().Int("debounce-ms", 0, "quiet period before a sync flush")
	watchAddCmd.Flags().StringSlice("ignore", nil, "ignore patterns (*.tmp, logs/*, exact paths)")
	watchAddCmd.Flags().StringSlice("folders", nil, "sub-folders to watch, empty for the whole pack")
	watchAddCmd.Flags().StringSlice("peers", nil, "target peer IDs, empty for all known peers")

	inviteCmd.AddCommand(inviteCreateCmd, inviteListCmd, inviteRevokeCmd)
	watchCmd.AddCommand(watchAddCmd, watchStartCmd, watchStopCmd, watchListCmd)
	rootCmd.AddCommand(serveCmd, codeCmd, connectCmd, peersCmd, inviteCmd, joinCmd, watchCmd, queueCmd)
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
