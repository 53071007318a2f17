package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/tributary/pkg/auth"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// sourceFlags are the credential inputs of sources add
type sourceFlags struct {
	name         string
	authKind     string
	code         string
	accessToken  string
	refreshToken string
	apiKey       string
	expiresIn    time.Duration
	scopes       []string
}

func (f sourceFlags) request(sourceType string, now time.Time) (auth.ConnectRequest, error) {
	kind := models.AuthKind(f.authKind)
	switch kind {
	case models.AuthKindOAuth2, models.AuthKindAPIKey, models.AuthKindNone:
	case models.AuthKindDeviceToken:
		return auth.ConnectRequest{}, fmt.Errorf("device sources are registered by pairing, see tributary pair")
	default:
		return auth.ConnectRequest{}, fmt.Errorf("unknown auth kind %q", f.authKind)
	}

	creds := auth.Credentials{
		Code:         f.code,
		AccessToken:  f.accessToken,
		RefreshToken: f.refreshToken,
		APIKey:       f.apiKey,
		Scopes:       f.scopes,
	}
	if f.expiresIn > 0 {
		at := now.Add(f.expiresIn).UTC()
		creds.ExpiresAt = &at
	}
	return auth.ConnectRequest{
		SourceType:   sourceType,
		InstanceName: f.name,
		AuthKind:     kind,
		Credentials:  creds,
	}, nil
}

func newSourcesCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage connected sources and their streams",
		Long: `Manage connected sources and their streams.

Examples:
  # Connect a Google account with an authorization code
  tributary sources add google --name work --code 4/0AX...

  # Connect a source that uses an API key
  tributary sources add oura --auth-kind api_key --api-key abc123

  # Stop syncing one stream
  tributary sources disable 6f1c...`,
	}

	withApp := func(cmd *cobra.Command, run func(a *app) error) error {
		cfg, err := loadConfig(*configFile)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer a.close()
		return run(a)
	}

	var flags sourceFlags
	add := &cobra.Command{
		Use:   "add <source-type>",
		Short: "Authenticate a source and create its catalog streams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				req, err := flags.request(args[0], a.clock.Now())
				if err != nil {
					return err
				}
				res, err := a.connect.Connect(cmd.Context(), req)
				if err != nil {
					return err
				}
				verb := "reconnected"
				if res.Created {
					verb = "connected"
				}
				fmt.Printf("%s %s source %s (%s)\n", verb, res.Source.SourceType, res.Source.ID, res.Source.InstanceName)
				for _, st := range res.Streams {
					fmt.Printf("  - %-28s %s enabled=%t\n", st.StreamName, st.ID, st.Enabled)
				}
				return nil
			})
		},
	}
	add.Flags().StringVar(&flags.name, "name", "", "Instance name (default the source type)")
	add.Flags().StringVar(&flags.authKind, "auth-kind", string(models.AuthKindOAuth2), "oauth2, api_key or none")
	add.Flags().StringVar(&flags.code, "code", "", "OAuth authorization code")
	add.Flags().StringVar(&flags.accessToken, "access-token", "", "Pre-obtained OAuth access token")
	add.Flags().StringVar(&flags.refreshToken, "refresh-token", "", "OAuth refresh token")
	add.Flags().StringVar(&flags.apiKey, "api-key", "", "API key")
	add.Flags().DurationVar(&flags.expiresIn, "expires-in", 0, "Lifetime of --access-token")
	add.Flags().StringSliceVar(&flags.scopes, "scopes", nil, "Granted OAuth scopes")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connected sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				sources, err := a.sources.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, src := range sources {
					fmt.Printf("%s  %-16s %-20s %-8s %s\n", src.ID, src.SourceType, src.InstanceName, src.Platform, src.Status)
					printSourceStreams(cmd, a, src)
				}
				return nil
			})
		},
	})

	setEnabled := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <stream-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid stream id %q: %w", args[0], err)
				}
				return withApp(cmd, func(a *app) error {
					if err := a.streams.SetEnabled(cmd.Context(), id, enabled); err != nil {
						return err
					}
					fmt.Printf("stream %s %sd\n", id, use)
					return nil
				})
			},
		}
	}
	cmd.AddCommand(
		setEnabled("enable", "Resume scheduling a stream", true),
		setEnabled("disable", "Stop scheduling a stream", false),
	)

	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate <source-id>",
		Short: "Deactivate a source and disable all of its streams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid source id %q: %w", args[0], err)
			}
			return withApp(cmd, func(a *app) error {
				if err := a.sources.Deactivate(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Printf("source %s deactivated\n", id)
				return nil
			})
		},
	})
	return cmd
}

// printSourceStreams lists the catalog streams of src that have an instance
func printSourceStreams(cmd *cobra.Command, a *app, src *models.Source) {
	for _, cfg := range a.catalog.All() {
		if cfg.Source != src.SourceType {
			continue
		}
		ss, err := a.streams.FindBySource(cmd.Context(), src.ID, cfg.Name)
		if err != nil {
			continue
		}
		fmt.Printf("    - %-26s %s enabled=%t\n", cfg.Name, ss.Stream.ID, ss.Stream.Enabled)
	}
}
