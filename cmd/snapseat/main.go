package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kavitha/snapseat/internal/browser"
	"github.com/kavitha/snapseat/internal/challenge"
	"github.com/kavitha/snapseat/internal/engine"
	"github.com/kavitha/snapseat/internal/gateway"
	"github.com/kavitha/snapseat/internal/humanize"
	"github.com/kavitha/snapseat/internal/observability"
	"github.com/kavitha/snapseat/internal/resolver"
	"github.com/kavitha/snapseat/internal/store"
	"github.com/kavitha/snapseat/internal/vault"
	"github.com/kavitha/snapseat/pkg/config"
)

const vaultKeyEnv = "SNAPSEAT_VAULT_KEY"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "snapseat",
		Short: "Automated registration for time-sensitive signup portals",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to config file")

	root.AddCommand(
		serveCmd(),
		executeCmd(),
		seedCmd(),
		planCmd(),
		credCmd(),
		resolveCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles everything a command needs once config is loaded.
type app struct {
	cfg        *config.Config
	store      *store.Store
	creds      *vault.Vault
	challenges *challenge.Service
	logger     *observability.Logger
	notifier   gateway.Messenger
	engine     *engine.Engine
}

func buildApp(withGateways bool) (*app, error) {
	// .env is optional; the vault key can come from the real environment.
	_ = godotenv.Load()

	cfg := config.LoadConfig(configPath)

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hexKey := os.Getenv(vaultKeyEnv)
	if hexKey == "" {
		return nil, fmt.Errorf("%s is not set", vaultKeyEnv)
	}
	creds, err := vault.New(hexKey, cfg.Store.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("open credential vault: %w", err)
	}
	cipher, err := vault.NewCipher(hexKey)
	if err != nil {
		return nil, err
	}

	sites, err := config.LoadSites(cfg.App.SitesPath)
	if err != nil {
		return nil, fmt.Errorf("load site profiles: %w", err)
	}

	logger := observability.NewLogger()
	challenges := challenge.NewService(st, cfg.Engine.ChallengeTTL.Std())

	var notifier gateway.Messenger
	if withGateways {
		notifier = buildGateways(cfg)
	}

	prov := &browser.Provisioner{
		Headless:    cfg.Engine.Headless,
		StepTimeout: cfg.Engine.StepTimeout.Std(),
		Policy:      humanize.DefaultPolicy(),
	}

	eng := engine.New(
		st,
		creds,
		challenges,
		notifier,
		pageProvider{prov},
		browser.NewCodec(cipher),
		sites,
		logger,
		cfg.Engine,
		cfg.Resolver.BaseURL,
	)

	return &app{
		cfg:        cfg,
		store:      st,
		creds:      creds,
		challenges: challenges,
		logger:     logger,
		notifier:   notifier,
		engine:     eng,
	}, nil
}

func buildGateways(cfg *config.Config) gateway.Messenger {
	var gws []gateway.Messenger

	if tgCfg, ok := cfg.GetTelegramConfig(); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token)
		if err != nil {
			log.Printf("Telegram gateway unavailable: %v", err)
		} else {
			gws = append(gws, tg)
		}
	}
	if dcCfg, ok := cfg.GetDiscordConfig(); ok {
		dc, err := gateway.NewDiscordGateway(dcCfg.Token)
		if err != nil {
			log.Printf("Discord gateway unavailable: %v", err)
		} else {
			gws = append(gws, dc)
		}
	}

	if len(gws) == 0 {
		log.Println("No gateways enabled; notifications will only appear in logs")
		return nil
	}
	return gateway.NewFanout(gws...)
}

// pageProvider adapts the browser provisioner to the engine's one-page-per-
// attempt surface.
type pageProvider struct {
	prov *browser.Provisioner
}

func (p pageProvider) NewPage(ctx context.Context) (engine.Page, error) {
	return p.prov.NewSession(ctx)
}

// engineResumer lets the resolution endpoint re-invoke an attempt without
// importing the engine package.
type engineResumer struct {
	eng *engine.Engine
}

func (r engineResumer) Execute(ctx context.Context, planID, caller string) error {
	_, err := r.eng.Execute(ctx, planID, engine.Caller(caller))
	return err
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, gateways and resolution endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			observability.PrintBanner()
			observability.InitializeTerminal()

			// Route all log output through the terminal mutex so it never
			// interrupts the dashboard's cursor save/restore sequence.
			log.SetOutput(observability.NewTermWriter())

			a, err := buildApp(true)
			if err != nil {
				return err
			}
			defer a.store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched := engine.NewScheduler(a.store, a.engine, a.logger, a.cfg.Engine)
			go sched.Start(ctx)

			res := resolver.New(a.cfg.Resolver.ListenAddr, a.challenges, engineResumer{a.engine})
			go func() {
				if err := res.Start(); err != nil {
					log.Printf("\033[91m[ FAIL ] RESOLVER CRITICAL ERROR: %v\033[0m", err)
					stop()
				}
			}()

			if a.notifier != nil {
				if err := a.notifier.Start(); err != nil {
					log.Printf("Gateway start failed: %v", err)
				}
			}

			// Live Resource Dashboard (1-second updates)
			go func() {
				ticker := time.NewTicker(1 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						observability.PrintLiveStatus()
					}
				}
			}()

			go func() {
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						observability.Heartbeat()
						a.logger.LogHeartbeat()
					}
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = res.Stop(shutdownCtx)
			if a.notifier != nil {
				_ = a.notifier.Stop()
			}

			observability.CleanupTerminal()
			time.Sleep(500 * time.Millisecond)
			log.Println("\033[95m[ EXIT ] ENGINE DE-INITIALIZED. GOODBYE.\033[0m")
			return nil
		},
	}
}

func executeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <plan-id>",
		Short: "Run one attempt for a plan right now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(true)
			if err != nil {
				return err
			}
			defer a.store.Close()

			out, err := a.engine.Execute(cmd.Context(), args[0], engine.CallerOwner)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", out.Code, out.Message)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <plan-id>",
		Short: "Warm the session for a plan without registering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(false)
			if err != nil {
				return err
			}
			defer a.store.Close()

			if err := a.engine.Seed(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("seeding pass complete")
			return nil
		},
	}
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage registration plans",
	}
	cmd.AddCommand(planAddCmd(), planListCmd(), planCancelCmd(), planResetCmd(), planLogsCmd())
	return cmd
}

func planAddCmd() *cobra.Command {
	var (
		owner, origin, label, hint  string
		altLabel, altHint           string
		participant, credID, notify string
		openAt                      string
		extras                      []string
		allowNoCVV                  bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			open, err := time.Parse(time.RFC3339, openAt)
			if err != nil {
				return fmt.Errorf("--open must be RFC3339 (e.g. 2026-09-05T18:00:00-04:00): %w", err)
			}

			p := &store.Plan{
				Owner:        owner,
				OriginURL:    origin,
				Preferred:    store.SlotSpec{Label: label, ClassHint: hint},
				Participant:  participant,
				CredentialID: credID,
				NotifyChatID: notify,
				OpenTime:     open,
				Extras:       map[string]string{},
			}
			if altLabel != "" {
				p.Alternate = &store.SlotSpec{Label: altLabel, ClassHint: altHint}
			}
			for _, kv := range extras {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--extra wants key=value, got %q", kv)
				}
				p.Extras[k] = v
			}
			if allowNoCVV {
				p.Extras["allow_no_cvv"] = "true"
			}

			a, err := buildApp(false)
			if err != nil {
				return err
			}
			defer a.store.Close()

			if err := a.store.CreatePlan(p); err != nil {
				return err
			}
			fmt.Printf("plan %s created, opens %s\n", p.ID, p.OpenTime.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	cmd.Flags().StringVar(&origin, "origin", "", "portal origin URL")
	cmd.Flags().StringVar(&label, "label", "", "preferred slot label, e.g. 'Tuesday 6pm'")
	cmd.Flags().StringVar(&hint, "hint", "", "class name hint for the preferred slot")
	cmd.Flags().StringVar(&altLabel, "alt-label", "", "alternate slot label")
	cmd.Flags().StringVar(&altHint, "alt-hint", "", "class name hint for the alternate slot")
	cmd.Flags().StringVar(&participant, "participant", "", "participant name to select")
	cmd.Flags().StringVar(&credID, "credential", "", "credential id in the vault")
	cmd.Flags().StringVar(&notify, "notify", "", "chat id for notifications")
	cmd.Flags().StringVar(&openAt, "open", "", "registration open time, RFC3339")
	cmd.Flags().StringArrayVar(&extras, "extra", nil, "extra selection, key=value (rental, color_group, volunteer)")
	cmd.Flags().BoolVar(&allowNoCVV, "allow-no-cvv", false, "let checkout proceed without a security code")
	for _, f := range []string{"owner", "origin", "label", "credential", "open"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func planListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(false)
			if err != nil {
				return err
			}
			defer a.store.Close()

			plans, err := a.store.ListPlans(owner)
			if err != nil {
				return err
			}
			if len(plans) == 0 {
				fmt.Println("no plans")
				return nil
			}
			for _, p := range plans {
				fmt.Printf("%s  %-16s  %s  %q\n",
					p.ID, p.Status, p.OpenTime.Format(time.RFC3339), p.Preferred.Label)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func planCancelCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(false)
			if err != nil {
				return err
			}
			defer a.store.Close()

			if err := a.store.CancelPlan(owner, args[0]); err != nil {
				return err
			}
			fmt.Println("plan cancelled")
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func planResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <plan-id>",
		Short: "Put a finished or failed plan back in the scheduled state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(false)
			if err != nil {
				return err
			}
			defer a.store.Close()

			if err := a.store.ResetPlan(args[0]); err != nil {
				return err
			}
			fmt.Println("plan rescheduled")
			return nil
		},
	}
}

func planLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <plan-id>",
		Short: "Show a plan's attempt log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(false)
			if err != nil {
				return err
			}
			defer a.store.Close()

			entries, err := a.store.Logs(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %s\n", e.CreatedAt.Format(time.RFC3339), e.Note)
			}
			return nil
		},
	}
}

func credCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cred",
		Short: "Manage encrypted portal credentials",
	}
	cmd.AddCommand(credAddCmd())
	return cmd
}

func credAddCmd() *cobra.Command {
	var id, alias, email, password, cvv string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Seal a credential bundle into the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(false)
			if err != nil {
				return err
			}
			defer a.store.Close()

			cred := &vault.Credential{Alias: alias, Email: email, Password: password, CVV: cvv}
			if err := a.creds.Put(id, cred); err != nil {
				return err
			}
			fmt.Printf("credential %s stored\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "credential id referenced by plans")
	cmd.Flags().StringVar(&alias, "alias", "", "display alias, e.g. 'visa ending 4242'")
	cmd.Flags().StringVar(&email, "email", "", "portal login email")
	cmd.Flags().StringVar(&password, "password", "", "portal login password")
	cmd.Flags().StringVar(&cvv, "cvv", "", "card security code (optional; omit to be asked at checkout)")
	for _, f := range []string{"id", "email", "password"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

// resolveCmd is the operator fallback when the web link cannot be used.
func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <token> <value>",
		Short: "Resolve a pending challenge from the command line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(true)
			if err != nil {
				return err
			}
			defer a.store.Close()

			c, err := a.challenges.Resolve(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("challenge resolved, resuming plan %s\n", c.PlanID)

			out, err := a.engine.Execute(cmd.Context(), c.PlanID, engine.CallerOwner)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", out.Code, out.Message)
			return nil
		},
	}
}
