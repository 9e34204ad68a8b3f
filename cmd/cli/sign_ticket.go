package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"storeflow/internal/config"
	"storeflow/internal/services"

	"github.com/spf13/cobra"
)

var (
	signFile string
	signURL  string
	signSend bool
)

// signTicketCmd signs a resumption ticket the way the scheduler does, so the
// resume endpoint can be exercised by hand.
var signTicketCmd = &cobra.Command{
	Use:   "sign-ticket",
	Short: "Sign a resumption ticket and optionally POST it to the resume URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		sc := cfg.Automation.Signing
		if sc.CurrentKey == "" {
			return errors.New("automation.signing.current_key is empty")
		}

		var (
			body []byte
			err  error
		)
		if signFile == "" || signFile == "-" {
			body, err = io.ReadAll(os.Stdin)
		} else {
			body, err = os.ReadFile(signFile)
		}
		if err != nil {
			return err
		}
		var ticket services.ResumptionTicket
		if err := json.Unmarshal(body, &ticket); err != nil {
			return fmt.Errorf("parse ticket: %w", err)
		}
		if err := ticket.Validate(); err != nil {
			return err
		}
		// 规范化后再签名，与调度器投递的字节一致
		body, err = json.Marshal(ticket)
		if err != nil {
			return err
		}

		url := firstNonEmpty(signURL, cfg.Automation.ResumeURL)
		sig, err := services.NewTicketSigner(sc.CurrentKey, sc.Issuer, sc.TTL).Sign(url, body)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !signSend {
			fmt.Fprintf(out, "%s: %s\n%s\n", sc.Header, sig, body)
			return nil
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(sc.Header, sig)
		resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		fmt.Fprintf(out, "%s\n%s\n", resp.Status, respBody)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signTicketCmd)
	signTicketCmd.Flags().StringVarP(&signFile, "file", "f", "", "ticket JSON file (default stdin)")
	signTicketCmd.Flags().StringVar(&signURL, "url", "", "resume URL (default automation.resume_url)")
	signTicketCmd.Flags().BoolVar(&signSend, "send", false, "POST the signed ticket")
}
