// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// opentrack: token generator
//
// Builds tracking tokens and the URLs to embed in outgoing mail.
//
// Usage:
//
//	go run ./cmd/tokengen/ --email a@b.com --sender x@y.com --stage USA --base-url https://track.example.com
//	go run ./cmd/tokengen/ decode <token>
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bcem/opentrack/internal/models"
	"github.com/bcem/opentrack/internal/token"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var md models.Metadata
	var baseURL string

	cmd := &cobra.Command{
		Use:   "tokengen",
		Short: "Generate a tracking token and its pixel and verification URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !md.Trackable() {
				return errors.New("--email and --sender are required")
			}
			return printLinks(cmd.OutOrStdout(), md, baseURL)
		},
		SilenceUsage: true,
	}

	f := cmd.Flags()
	f.StringVar(&md.Email, "email", "", "Recipient address (required)")
	f.StringVar(&md.Sender, "sender", "", "Sending address (required)")
	f.StringVar(&md.Stage, "stage", "", "Campaign stage, e.g. USA or FW1")
	f.StringVar(&md.Subject, "subject", "", "Mail subject")
	f.StringVar(&md.Sheet, "sheet", "", "Target tab")
	f.StringVar(&md.Workbook, "workbook", "", "Target workbook")
	f.StringVar(&md.Timezone, "timezone", "", "IANA timezone for timestamps")
	f.StringVar(&md.StartDate, "start-date", "", "Campaign start date")
	f.StringVar(&md.Template, "template", "", "Template name")
	f.StringVar(&md.Campaign, "campaign", "", "Campaign name")
	f.StringVar(&md.SentTime, "sent-time", "", "Send time (RFC 3339), enables the early-hit guard")
	f.StringVar(&baseURL, "base-url", "http://localhost:5000", "Public base URL of the tracker")

	cmd.AddCommand(newDecodeCmd())
	return cmd
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <token-or-url>",
		Short: "Print the metadata carried by a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := token.Decode(token.FromPath(args[0]))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(md)
		},
		SilenceUsage: true,
	}
}

func printLinks(w io.Writer, md models.Metadata, baseURL string) error {
	tok, err := token.Encode(md)
	if err != nil {
		return err
	}
	base := strings.TrimRight(baseURL, "/")
	fmt.Fprintf(w, "Token:  %s\n", tok)
	fmt.Fprintf(w, "Pixel:  %s/%s.gif\n", base, tok)
	fmt.Fprintf(w, "Human:  %s/human/%s\n", base, tok)
	return nil
}
