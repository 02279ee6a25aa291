/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cascade-dns/cascade/cascade"
)

const defaultCfgFile = "/etc/cascade/cascadectl.yaml"

var (
	cfgFile string
	verbose bool
	debug   bool
	api     *cascade.ApiClient
)

// apiResult mirrors httpapi.go's unexported apiResponse envelope; kept as
// its own type here since cascadectl only needs to decode it, not build it.
type apiResult struct {
	Time     time.Time       `json:"time"`
	AppName  string          `json:"app_name"`
	Error    bool            `json:"error,omitempty"`
	ErrorMsg string          `json:"error_msg,omitempty"`
	Msg      string          `json:"msg,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

var rootCmd = &cobra.Command{
	Use:   "cascadectl",
	Short: "cascadectl controls a running cascaded DNSSEC signing daemon",
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig, initApi)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is %s)", defaultCfgFile))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")

	rootCmd.AddCommand(zoneCmd, policyCmd, keyCmd, kmipCmd, reviewCmd, configCmd)

	zoneCmd.AddCommand(zoneListCmd, zoneAddCmd, zoneRemoveCmd, zoneReloadCmd, zoneStatusCmd, zoneHistoryCmd)
	zoneAddCmd.Flags().String("policy", "", "policy name")
	zoneAddCmd.Flags().String("zonefile", "", "zonefile path")
	zoneAddCmd.Flags().String("server", "", "upstream server (host:port) for a Server-sourced zone")
	zoneAddCmd.Flags().String("tsig-key", "", "TSIG key name for a Server-sourced zone")

	policyCmd.AddCommand(policyListCmd, policyReloadCmd, policyGetCmd)

	keyCmd.AddCommand(keyRollCmd, keyRemoveCmd)
	keyRollCmd.Flags().String("type", "", "key type, KSK or ZSK")
	keyRemoveCmd.Flags().Uint16("id", 0, "key id to retire")

	kmipCmd.AddCommand(kmipListCmd, kmipAddCmd, kmipGetCmd)
	kmipAddCmd.Flags().String("id", "", "KMIP server id")
	kmipAddCmd.Flags().String("address", "", "KMIP server address")
	kmipAddCmd.Flags().String("username", "", "KMIP server username")

	reviewCmd.AddCommand(reviewDecideCmd)
	reviewDecideCmd.Flags().String("zone", "", "zone name")
	reviewDecideCmd.Flags().Uint32("serial", 0, "candidate serial under review")
	reviewDecideCmd.Flags().Bool("approve", false, "approve the candidate (default is reject)")
	reviewDecideCmd.Flags().String("reason", "", "reason for the decision")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigFile(defaultCfgFile)
	}
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	} else {
		log.Fatalf("cascadectl: could not load config %s: %v", defaultCfgFile, err)
	}

	cascade.SetupCliLogging(verbose)
}

func initApi() {
	baseurl := viper.GetString("cascadectl.baseurl")
	apikey := viper.GetString("cascadectl.apikey")
	authmethod := viper.GetString("cascadectl.authmethod")
	rootcafile := viper.GetString("cascadectl.rootcafile")

	api = cascade.NewClient("cascaded", baseurl, apikey, authmethod, rootcafile, verbose, debug)
	if api == nil {
		log.Fatalf("initApi: api client is nil, check cascadectl.baseurl in config")
	}
}

// apiGet/apiPost issue a request and decode the common envelope, printing
// and exiting on transport or application-level error. Works for any
// endpoint rather than one fixed command-dispatch body.
func apiGet(endpoint string) apiResult {
	_, buf, err := api.Get(endpoint)
	if err != nil {
		fmt.Printf("Error: %s\n", err.Error())
		os.Exit(1)
	}
	return decodeResult(buf)
}

func apiPost(endpoint string, body interface{}) apiResult {
	bytebuf := new(bytes.Buffer)
	if body != nil {
		if err := json.NewEncoder(bytebuf).Encode(body); err != nil {
			log.Fatalf("cascadectl: encoding request: %v", err)
		}
	}
	_, buf, err := api.Post(endpoint, bytebuf.Bytes())
	if err != nil {
		fmt.Printf("Error: %s\n", err.Error())
		os.Exit(1)
	}
	return decodeResult(buf)
}

func decodeResult(buf []byte) apiResult {
	var res apiResult
	if err := json.Unmarshal(buf, &res); err != nil {
		fmt.Printf("Error: could not parse response: %v\n", err)
		os.Exit(1)
	}
	if res.Error {
		fmt.Printf("Error from cascaded: %s\n", res.ErrorMsg)
		os.Exit(1)
	}
	if res.Msg != "" {
		fmt.Printf("%s\n", res.Msg)
	}
	return res
}

// --- zone ----------------------------------------------------------------

var zoneCmd = &cobra.Command{
	Use:   "zone",
	Short: "Manage zones known to cascaded",
}

var zoneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List zones registered with cascaded",
	Run: func(cmd *cobra.Command, args []string) {
		res := apiGet("/api/v1/zones/list")
		var data struct {
			Zones []string `json:"zones"`
		}
		decodeData(res, &data)
		out := []string{"Zone"}
		for _, z := range data.Zones {
			out = append(out, z)
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var zoneAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a new zone",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		policy, _ := cmd.Flags().GetString("policy")
		zonefile, _ := cmd.Flags().GetString("zonefile")
		server, _ := cmd.Flags().GetString("server")
		tsigKey, _ := cmd.Flags().GetString("tsig-key")

		apiPost("/api/v1/zone/add", struct {
			Name     string `json:"name"`
			Policy   string `json:"policy"`
			Zonefile string `json:"zonefile,omitempty"`
			Server   string `json:"server,omitempty"`
			TsigKey  string `json:"tsig_key,omitempty"`
		}{Name: args[0], Policy: policy, Zonefile: zonefile, Server: server, TsigKey: tsigKey})
	},
}

var zoneRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a zone",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		apiPost(fmt.Sprintf("/api/v1/zone/%s/remove", args[0]), nil)
	},
}

var zoneReloadCmd = &cobra.Command{
	Use:   "reload <name>",
	Short: "Submit a reload event for a zone",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		apiPost(fmt.Sprintf("/api/v1/zone/%s/reload", args[0]), nil)
	},
}

var zoneStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show a zone's current status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		res := apiGet(fmt.Sprintf("/api/v1/zone/%s/status", args[0]))
		var data struct {
			Name            string `json:"name"`
			Policy          string `json:"policy"`
			Halt            string `json:"halt"`
			CurrentUnsigned uint32 `json:"current_unsigned_serial,omitempty"`
			CurrentSigned   uint32 `json:"current_signed_serial,omitempty"`
		}
		decodeData(res, &data)
		out := []string{"Zone|Policy|Halt|Unsigned serial|Signed serial"}
		out = append(out, fmt.Sprintf("%s|%s|%s|%d|%d", data.Name, data.Policy, data.Halt, data.CurrentUnsigned, data.CurrentSigned))
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var zoneHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "Show a zone's event history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		res := apiGet(fmt.Sprintf("/api/v1/zone/%s/history", args[0]))
		var events []cascade.HistoryEvent
		decodeData(res, &events)
		out := []string{"Time|Kind|Serial|Trigger|Status|Reason"}
		for _, e := range events {
			out = append(out, fmt.Sprintf("%s|%v|%d|%v|%v|%s",
				e.Timestamp.Format(time.RFC3339), e.Kind, e.Serial, e.Trigger, e.Status, e.Reason))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

// --- policy ----------------------------------------------------------------

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect signing policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known policies",
	Run: func(cmd *cobra.Command, args []string) {
		res := apiGet("/api/v1/policy/")
		var data struct {
			Policies []string `json:"policies"`
		}
		decodeData(res, &data)
		out := []string{"Policy"}
		out = append(out, data.Policies...)
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var policyReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload all policies from disk",
	Run: func(cmd *cobra.Command, args []string) {
		apiPost("/api/v1/policy/reload", nil)
	},
}

var policyGetCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a policy's settings",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		res := apiGet(fmt.Sprintf("/api/v1/policy/%s", args[0]))
		fmt.Printf("%s\n", string(res.Data))
	},
}

// --- key -------------------------------------------------------------------

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage a zone's signing keys",
}

var keyRollCmd = &cobra.Command{
	Use:   "roll <zone>",
	Short: "Retire the active KSK or ZSK and generate its replacement",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		keyType, _ := cmd.Flags().GetString("type")
		if keyType == "" {
			fmt.Println("Error: --type (KSK or ZSK) is required")
			os.Exit(1)
		}
		apiPost(fmt.Sprintf("/api/v1/key/%s/roll", args[0]), struct {
			KeyType string `json:"key_type"`
		}{KeyType: keyType})
	},
}

var keyRemoveCmd = &cobra.Command{
	Use:   "remove <zone>",
	Short: "Retire a single key by id",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		keyid, _ := cmd.Flags().GetUint16("id")
		apiPost(fmt.Sprintf("/api/v1/key/%s/remove", args[0]), struct {
			KeyId uint16 `json:"key_id"`
		}{KeyId: keyid})
	},
}

// --- kmip --------------------------------------------------------------

var kmipCmd = &cobra.Command{
	Use:   "kmip",
	Short: "Manage registered KMIP servers",
}

var kmipListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered KMIP servers",
	Run: func(cmd *cobra.Command, args []string) {
		res := apiGet("/api/v1/kmip")
		var servers []cascade.KmipServerConfig
		decodeData(res, &servers)
		out := []string{"ID|Address|Username"}
		for _, s := range servers {
			out = append(out, fmt.Sprintf("%s|%s|%s", s.ID, s.Address, s.Username))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var kmipAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a KMIP server",
	Run: func(cmd *cobra.Command, args []string) {
		id, _ := cmd.Flags().GetString("id")
		address, _ := cmd.Flags().GetString("address")
		username, _ := cmd.Flags().GetString("username")
		apiPost("/api/v1/kmip", cascade.KmipServerConfig{ID: id, Address: address, Username: username})
	},
}

var kmipGetCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a registered KMIP server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		res := apiGet(fmt.Sprintf("/api/v1/kmip/%s", args[0]))
		fmt.Printf("%s\n", string(res.Data))
	},
}

// --- review ----------------------------------------------------------------

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manually decide a pending zone review",
}

var reviewDecideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Approve or reject a pending unsigned/signed zone review",
	Run: func(cmd *cobra.Command, args []string) {
		zone, _ := cmd.Flags().GetString("zone")
		serial, _ := cmd.Flags().GetUint32("serial")
		approve, _ := cmd.Flags().GetBool("approve")
		reason, _ := cmd.Flags().GetString("reason")
		if zone == "" {
			fmt.Println("Error: --zone is required")
			os.Exit(1)
		}

		apiPost(fmt.Sprintf("/api/v1/zone/%s/review", zone), struct {
			Serial  uint32 `json:"serial"`
			Approve bool   `json:"approve"`
			Reason  string `json:"reason,omitempty"`
		}{Serial: serial, Approve: approve, Reason: reason})
	},
}

// --- config ----------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the daemon's configuration",
}

var configReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Tell cascaded to reload its configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		apiPost("/api/v1/config/reload", nil)
	},
}

func init() {
	configCmd.AddCommand(configReloadCmd)
}

func decodeData(res apiResult, v interface{}) {
	if len(res.Data) == 0 {
		return
	}
	if err := json.Unmarshal(res.Data, v); err != nil {
		fmt.Printf("Error: could not parse response data: %v\n", err)
		os.Exit(1)
	}
}
