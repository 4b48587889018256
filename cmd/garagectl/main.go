package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"garagectl/internal/client"
	"garagectl/internal/config"
	"garagectl/internal/db"
	"garagectl/internal/domain"
	"garagectl/internal/garage"
	"garagectl/internal/logging"
	"garagectl/internal/metrics"
	"garagectl/internal/migrate"
	"garagectl/internal/repo"
	"garagectl/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "garagectl",
	Short: "Parking garage gate controller",
	Long: `garagectl runs the gate controller of a small parking garage and talks to it.
- Workspace: the directory holding garage.yml and the .garage state directory (SQLite database).
- Lanes: each entry or exit lane has a barrier, a light barrier and limit switches; entry lanes have a button.
- Tickets: entry lanes issue one per car while a slot is free; exit lanes validate them.
- Console: 'garagectl run' serves a local HTTP API that the other commands use.
- Journal: every bus event is stored in SQLite, view it with 'garagectl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GARAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "", "console URL (defaults to server.addr from garage.yml)")
	rootCmd.PersistentFlags().String("token", "", "console bearer token")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(laneCmd())
	rootCmd.AddCommand(capacityCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func runCmd() *cobra.Command {
	var addr string
	var simulate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gate controller and the console",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !simulate {
				return errors.New("no hardware backend is built in; run with --simulate")
			}
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			log, closer, err := logging.Setup(cfg.Log, cfg.Garage.ID)
			if err != nil {
				return err
			}
			defer closer.Close()

			var conn *sql.DB
			if cfg.Storage.Driver == "sqlite" {
				conn, err = db.Open(db.Config{Workspace: workspace})
				if err != nil {
					return err
				}
				defer conn.Close()
			}
			m := metrics.New()
			sys, err := garage.New(cmd.Context(), cfg, garage.Deps{
				Device:  garage.SimulatedDevice(cfg, nil),
				Logger:  log,
				Metrics: m,
				DB:      conn,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := sys.Start(ctx); err != nil {
				return err
			}
			defer sys.Stop()

			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: log}
			handler, err := server.New(server.Config{System: sys, Metrics: m, Auth: authCfg, Logger: log})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("console listening", "addr", addr, "auth", authCfg.JWTSecret != "")
			fmt.Printf("Garage %s running on http://%s/v0 (OpenAPI at /v0/openapi.json, metrics at /metrics)\n", cfg.Garage.ID, addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().BoolVar(&simulate, "simulate", true, "drive simulated barriers instead of hardware")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage garage.yml",
		Long:  "garage.yml describes the garage: capacity, timeouts, debounce windows, motor ramp and the pins of every lane.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var garageID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default garage.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(garageID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&garageID, "garage-id", "garage", "garage identifier")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate garage.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show capacity and lane states",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := consoleClient()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("Garage: %s\n", st.GarageID)
			fmt.Printf("Capacity: %d free of %d (%d inside)\n", st.Capacity.Free, st.Capacity.Max, st.Capacity.Active)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Lane", "Kind", "State", "Ticket", "Fault", "Motor"})
			for _, l := range st.Lanes {
				tw.AppendRow(table.Row{l.ID, l.Kind, l.State, l.TicketID, l.Fault, motorSummary(l.Motor)})
			}
			tw.Render()
			return nil
		},
	}
}

func motorSummary(m domain.MotorStatus) string {
	if !m.Running {
		return "off"
	}
	return fmt.Sprintf("%s @%d", m.Direction, m.Speed)
}

func ticketCmd() *cobra.Command {
	tk := &cobra.Command{Use: "ticket", Short: "Inspect and pay tickets"}
	tk.AddCommand(ticketListCmd())
	tk.AddCommand(ticketShowCmd())
	tk.AddCommand(ticketPayCmd())
	return tk
}

func ticketListCmd() *cobra.Command {
	var state, lane string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := consoleClient()
			if err != nil {
				return err
			}
			items, err := c.Tickets(cmd.Context(), state, lane, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Lane", "State", "Issued", "Paid", "Reason"})
			for _, t := range items {
				tw.AppendRow(table.Row{t.ID, t.Lane, t.State, t.IssuedAt.Local().Format(time.DateTime), t.Paid, t.Reason})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (issued, validated, rejected)")
	cmd.Flags().StringVar(&lane, "lane", "", "issuing lane filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := consoleClient()
			if err != nil {
				return err
			}
			t, err := c.Ticket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func ticketPayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pay <ticket-id>",
		Short: "Mark a ticket paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := consoleClient()
			if err != nil {
				return err
			}
			t, err := c.Pay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(t)
			}
			fmt.Printf("ticket %s paid\n", t.ID)
			return nil
		},
	}
}

func laneCmd() *cobra.Command {
	ln := &cobra.Command{
		Use:   "lane",
		Short: "Drive a lane by hand",
		Long:  "Inject events into a lane as if its sensors raised them, present tickets at exits and reset faulted gates.",
	}
	ln.AddCommand(laneEventCmd())
	ln.AddCommand(laneInsertCmd())
	ln.AddCommand(laneResetCmd())
	ln.AddCommand(laneInputsCmd())
	return ln
}

func laneEventCmd() *cobra.Command {
	var ev client.Event
	cmd := &cobra.Command{
		Use:   "event <lane> <kind>",
		Short: "Publish an event on a lane",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := consoleClient()
			if err != nil {
				return err
			}
			ev.Kind = args[1]
			out, err := c.PublishEvent(cmd.Context(), args[0], ev)
			if err != nil {
				return err
			}
			return printAccepted(out)
		},
	}
	cmd.Flags().StringVar(&ev.TicketID, "ticket", "", "ticket id")
	cmd.Flags().Int64Var(&ev.Value, "value", 0, "event value")
	cmd.Flags().StringVar(&ev.Reason, "reason", "", "event reason")
	return cmd
}

func laneInsertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insert <lane> <ticket-id>",
		Short: "Insert a ticket at an exit lane",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := consoleClient()
			if err != nil {
				return err
			}
			out, err := c.InsertTicket(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printAccepted(out)
		},
	}
}

func laneInputsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inputs <lane>",
		Short: "Read a lane's button, light barrier and limit switch pins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := consoleClient()
			if err != nil {
				return err
			}
			in, err := c.Inputs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(in)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Input", "Pin", "Level"})
			for _, l := range in.Inputs {
				level := "low"
				switch {
				case l.Error != "":
					level = "error: " + l.Error
				case l.High:
					level = "high"
				}
				tw.AppendRow(table.Row{l.Name, l.Pin, level})
			}
			tw.Render()
			return nil
		},
	}
}

func laneResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <lane>",
		Short: "Reset a faulted gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := consoleClient()
			if err != nil {
				return err
			}
			out, err := c.ResetLane(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAccepted(out)
		},
	}
}

func capacityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capacity <slots>",
		Short: "Change the number of parking slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("slots must be a number: %w", err)
			}
			c, err := consoleClient()
			if err != nil {
				return err
			}
			capacity, err := c.SetCapacity(cmd.Context(), n)
			if err != nil {
				return err
			}
			return printJSONOrTable(capacity)
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
		Long:  "Every event that crossed the bus: button presses, tickets, barrier movements, alarms.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var lane, kind, ticketID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				return followEvents(cmd.Context(), kind, lane)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, repo.EventFilter{Lane: lane, Kind: kind, TicketID: ticketID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Kind", "Lane", "Ticket"})
				for i := len(items) - 1; i >= 0; i-- {
					e := items[i]
					tw.AppendRow(table.Row{e.ID, e.TS, e.Kind, e.Lane, e.TicketID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&lane, "lane", "", "lane filter")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream live events from the console")
	return cmd
}

func followEvents(ctx context.Context, kind, lane string) error {
	c, err := consoleClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	var kinds []string
	if kind != "" {
		kinds = []string{kind}
	}
	return c.Stream(ctx, kinds, lane, func(ev client.Event) error {
		if viper.GetBool("json") {
			b, _ := json.Marshal(ev)
			fmt.Println(string(b))
			return nil
		}
		fmt.Printf("%s %-28s %-8s %s %s\n", ev.Time, ev.Kind, ev.Lane, ev.TicketID, ev.Reason)
		return nil
	})
}

func tokenCmd() *cobra.Command {
	var operator string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a console token from GARAGE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return errors.New("GARAGE_JWT_SECRET is not set")
			}
			token, err := server.SignToken(secret, operator, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded in audit logs")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

// --- helpers ---

func consoleClient() (*client.Client, error) {
	base := viper.GetString("server")
	if base == "" {
		cfg, err := config.LoadOptional(viper.GetString("workspace"))
		if err != nil {
			return nil, err
		}
		base = cfg.Server.Addr
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := client.New(base)
	c.BearerToken = viper.GetString("token")
	return c, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printAccepted(ev client.Event) error {
	if viper.GetBool("json") {
		return printJSON(ev)
	}
	fmt.Printf("accepted %s on %s\n", ev.Kind, ev.Lane)
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
