package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mediary/internal/auth"
	"mediary/internal/bridge"
	"mediary/internal/credential"
	"mediary/internal/store"
	"mediary/internal/upstream"
	"mediary/pkg/types"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an upstream token and print its validity window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			issuer, err := credential.NewIssuer(credential.Config{
				PrivateKey: cfg.Upstream.PrivateKey,
				Audience:   cfg.Upstream.Audience,
				TTL:        cfg.Upstream.TokenTTL,
			})
			if err != nil {
				return err
			}
			cred, err := issuer.Issue()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "audience:   %s\n", cfg.Upstream.Audience)
			fmt.Fprintf(out, "issued at:  %s\n", cred.IssuedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "expires at: %s\n", cred.ExpiresAt.Format(time.RFC3339))
			if show {
				fmt.Fprintf(out, "token:      %s\n", cred.Token)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "also print the signed token")
	return cmd
}

func newCheckUpstreamCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "check-upstream",
		Short: "Connect to the upstream endpoint once and subscribe to the bridge command topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			issuer, err := credential.NewIssuer(credential.Config{
				PrivateKey: cfg.Upstream.PrivateKey,
				Audience:   cfg.Upstream.Audience,
				TTL:        cfg.Upstream.TokenTTL,
			})
			if err != nil {
				return err
			}
			transport, err := upstream.NewPahoTransport(upstream.PahoConfig{
				Host:           cfg.Upstream.Host,
				Port:           cfg.Upstream.Port,
				ClientID:       cfg.Upstream.ClientID,
				KeepAlive:      cfg.Upstream.KeepAlive,
				ConnectTimeout: cfg.Upstream.ConnectTimeout,
				TLS:            cfg.Upstream.TLS,
			}, logger)
			if err != nil {
				return err
			}
			cred, err := issuer.Issue()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.Upstream.ConnectTimeout+wait)
			defer cancel()

			out := cmd.OutOrStdout()
			received := make(chan types.Message, 16)
			handler := func(msg types.Message) {
				select {
				case received <- msg:
				default:
				}
			}
			if err := transport.Connect(ctx, cred, handler, func(error) {}); err != nil {
				return fmt.Errorf("connecting to %s: %w", transport.BrokerURL(), err)
			}
			defer transport.Disconnect()
			fmt.Fprintf(out, "connected to %s as %s\n", transport.BrokerURL(), cfg.Upstream.ClientID)

			topic := bridge.DeviceTopic(cfg.Upstream.CommandTopic, cfg.Upstream.DeviceID)
			granted, err := transport.Subscribe(ctx, types.TopicFilter{Topic: topic, QoS: types.AtMostOnce})
			if err != nil {
				return fmt.Errorf("subscribing to %s: %w", topic, err)
			}
			if !granted {
				return fmt.Errorf("subscription to %s was not granted", topic)
			}
			fmt.Fprintf(out, "subscribed to %s\n", topic)

			if wait <= 0 {
				return nil
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			for {
				select {
				case msg := <-received:
					fmt.Fprintf(out, "%s qos=%d retain=%t %q\n", msg.Topic, msg.QoS.Effective(), msg.Retain, msg.Payload)
				case <-timer.C:
					return nil
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep the connection open this long and print received commands")
	return cmd
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the missed-message store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List messages waiting for replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			st, err := store.Open(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			queued, err := st.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tQUEUED AT\tTOPIC\tQOS\tRETAIN\tBYTES")
			for _, qm := range queued {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%d\n",
					qm.ID, qm.QueuedAt.Format(time.RFC3339), qm.Message.Topic, qm.Message.QoS, qm.Message.Retain, len(qm.Message.Payload))
			}
			return w.Flush()
		},
	})
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print an Argon2id hash for the users section of the configuration",
		Long:  "Hashes the given password, or the first line of standard input when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no password given")
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
