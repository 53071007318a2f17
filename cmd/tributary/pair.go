package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/tributary/internal/api"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// newPairCmd drives device pairing against a running server. Pairing
// sessions live in the server's memory, so both steps go over HTTP.
func newPairCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair a device with a running server",
		Long: `Pair a device with a running tributary server.

Examples:
  # Open a pairing session for a device and print its 6-digit code
  tributary pair start --device-id iphone-15 --device-type ios

  # Complete it on behalf of a user and print the device token pair
  tributary pair complete --code 123456 --user-id alice`,
	}
	cmd.PersistentFlags().StringVar(&server, "server", envOr("TRIBUTARY_SERVER", "http://localhost:8080"), "Base URL of the tributary API")

	var deviceID, deviceType, deviceName, sourceType string
	start := &cobra.Command{
		Use:   "start",
		Short: "Open a pairing session",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{"device_id": deviceID, "device_type": deviceType}
			if deviceName != "" {
				info["device_name"] = deviceName
			}
			if sourceType != "" {
				info["source_type"] = sourceType
			}
			var session models.PairingSession
			if err := postJSON(cmd.Context(), server+"/v1/pairing", api.StartPairingRequest{DeviceInfo: info}, &session); err != nil {
				return err
			}
			fmt.Printf("Pairing code: %s\n", session.Code)
			fmt.Printf("Expires at:   %s\n", session.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	start.Flags().StringVar(&deviceID, "device-id", "", "Device identifier (required)")
	start.Flags().StringVar(&deviceType, "device-type", "ios", "Device type")
	start.Flags().StringVar(&deviceName, "device-name", "", "Human readable device name")
	start.Flags().StringVar(&sourceType, "source-type", "", "Source type to register (default the device type)")
	_ = start.MarkFlagRequired("device-id")

	var code, userID string
	complete := &cobra.Command{
		Use:   "complete",
		Short: "Complete a pairing session and print the device tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			var pair api.PairingResponse
			req := api.CompletePairingRequest{Code: code, UserID: userID}
			if err := postJSON(cmd.Context(), server+"/v1/pairing/complete", req, &pair); err != nil {
				return err
			}
			out, err := json.MarshalIndent(pair, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	complete.Flags().StringVar(&code, "code", "", "6-digit pairing code (required)")
	complete.Flags().StringVar(&userID, "user-id", "", "User the device is paired to (required)")
	_ = complete.MarkFlagRequired("code")
	_ = complete.MarkFlagRequired("user-id")

	cmd.AddCommand(start, complete)
	return cmd
}

func postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
