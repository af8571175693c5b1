package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"msigwallet/internal/app"
	"msigwallet/internal/config"
	"msigwallet/internal/db"
	"msigwallet/internal/domain"
	"msigwallet/internal/engine"
	werrors "msigwallet/internal/errors"
	"msigwallet/internal/repo"
	"msigwallet/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "msig",
	Short: "Weighted multi-signature wallet",
	Long: `msig keeps a registry of weighted signers and a queue of proposals.
Core concepts:
- Signers: addresses carrying a weight; together they approve proposals.
- Threshold: the total weight a proposal needs before it can run.
- Proposals: a call to a target (named in wallet.yml) with a payload and a value.
  They move pending -> ready -> executed, or end failed/cancelled.
- Timelock: the delay between a proposal becoming ready and becoming executable.
- Admin: the address allowed to change signers, threshold, timelock and admin.
- Event log: every accepted change, view with 'msig log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level")))
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("MSIG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "caller address")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(signerCmd())
	rootCmd.AddCommand(thresholdCmd())
	rootCmd.AddCommand(timelockCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func initCmd() *cobra.Command {
	var walletID, admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create wallet.yml and the wallet database",
		Long:  "Writes a starter wallet.yml (admin as the only signer) unless one exists, then creates the wallet from it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if strings.TrimSpace(admin) == "" {
					return fmt.Errorf("--admin required")
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(walletID, admin)), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "wrote %s\n", path)
			}
			return withWallet(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Wallet(ctx)
				if err != nil {
					return err
				}
				return printWallet(w)
			})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "default", "wallet identifier")
	cmd.Flags().StringVar(&admin, "admin", "", "admin address")
	return cmd
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "Registry parameters"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show threshold, total weight, timelock and admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Wallet(ctx)
				if err != nil {
					return err
				}
				return printWallet(w)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the capabilities of --as",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				caller, err := callerAddress()
				if err != nil {
					return err
				}
				caps, err := e.Capabilities(ctx, caller)
				if err != nil {
					return err
				}
				weight, err := e.WeightOf(ctx, caller)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"address": caller, "capabilities": caps, "weight": weight})
			})
		},
	})
	return cmd
}

func signerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signer",
		Short: "Manage signers",
		Long:  "Adding, removing and re-weighting signers requires the admin capability (--as).",
	}
	cmd.AddCommand(signerAddCmd())
	cmd.AddCommand(signerRemoveCmd())
	cmd.AddCommand(signerWeightCmd())
	cmd.AddCommand(signerListCmd())
	cmd.AddCommand(signerShowCmd())
	return cmd
}

func signerAddCmd() *cobra.Command {
	var weight uint64
	cmd := &cobra.Command{
		Use:   "add <address>",
		Short: "Add a signer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e *engine.Engine, caller domain.Address) error {
				s, err := e.AddSigner(ctx, caller, args[0], weight)
				if err != nil {
					return err
				}
				return printSigners([]domain.Signer{s})
			})
		},
	}
	cmd.Flags().Uint64Var(&weight, "weight", 1, "signer weight")
	return cmd
}

func signerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <address>",
		Short: "Remove a signer",
		Long:  "Rejected when the remaining weight could not reach the threshold. Confirmations on pending proposals are dropped.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e *engine.Engine, caller domain.Address) error {
				if err := e.RemoveSigner(ctx, caller, args[0]); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", args[0])
				return nil
			})
		},
	}
}

func signerWeightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "weight <address> <weight>",
		Short: "Change a signer's weight",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			weight, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid weight %q", args[1])
			}
			return withCaller(cmd.Context(), func(ctx context.Context, e *engine.Engine, caller domain.Address) error {
				s, err := e.SetSignerWeight(ctx, caller, args[0], weight)
				if err != nil {
					return err
				}
				return printSigners([]domain.Signer{s})
			})
		},
	}
}

func signerListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				signers, err := e.ListSigners(ctx, all)
				if err != nil {
					return err
				}
				return printSigners(signers)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include removed signers")
	return cmd
}

func signerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show a signer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.GetSigner(ctx, domain.Address(args[0]))
				if err != nil {
					return err
				}
				return printSigners([]domain.Signer{s})
			})
		},
	}
}

func thresholdCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "threshold", Short: "Required weight"}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <weight>",
		Short: "Change the required weight",
		Long:  "Lowering the threshold makes every pending proposal that already carries enough weight ready.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			weight, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid weight %q", args[0])
			}
			return withCaller(cmd.Context(), func(ctx context.Context, e *engine.Engine, caller domain.Address) error {
				w, err := e.SetRequiredWeight(ctx, caller, weight)
				if err != nil {
					return err
				}
				return printWallet(w)
			})
		},
	})
	return cmd
}

func timelockCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "timelock", Short: "Delay between ready and executable"}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <duration>",
		Short: "Change the timelock delay (e.g. 0s, 90m, 48h)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delay, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration %q", args[0])
			}
			return withCaller(cmd.Context(), func(ctx context.Context, e *engine.Engine, caller domain.Address) error {
				w, err := e.SetTimelockDelay(ctx, caller, delay)
				if err != nil {
					return err
				}
				return printWallet(w)
			})
		},
	})
	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Admin capability"}
	cmd.AddCommand(&cobra.Command{
		Use:   "transfer <address>",
		Short: "Hand the admin capability to another address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e *engine.Engine, caller domain.Address) error {
				w, err := e.TransferAdmin(ctx, caller, args[0])
				if err != nil {
					return err
				}
				return printWallet(w)
			})
		},
	})
	return cmd
}

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proposal",
		Aliases: []string{"p"},
		Short:   "Submit, confirm and execute proposals",
	}
	cmd.AddCommand(proposalSubmitCmd())
	cmd.AddCommand(proposalActionCmd("confirm", "Confirm with the caller's weight", func(e *engine.Engine) proposalAction { return e.Confirm }))
	cmd.AddCommand(proposalActionCmd("revoke", "Withdraw the caller's confirmation", func(e *engine.Engine) proposalAction { return e.RevokeConfirmation }))
	cmd.AddCommand(proposalActionCmd("cancel", "Cancel a pending or ready proposal (admin)", func(e *engine.Engine) proposalAction { return e.Cancel }))
	cmd.AddCommand(proposalExecuteCmd())
	cmd.AddCommand(proposalShowCmd())
	cmd.AddCommand(proposalListCmd())
	return cmd
}

type proposalAction func(ctx context.Context, actor domain.Address, id int64) (domain.Proposal, error)

func proposalSubmitCmd() *cobra.Command {
	var target, payload, payloadFile, value string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(payload)
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				body = data
			}
			amount, err := decimal.NewFromString(value)
			if err != nil {
				return fmt.Errorf("invalid value %q", value)
			}
			return withCaller(cmd.Context(), func(ctx context.Context, e *engine.Engine, caller domain.Address) error {
				p, err := e.Submit(ctx, caller, engine.SubmitOptions{Target: target, Payload: body, Value: amount})
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target name from wallet.yml")
	cmd.Flags().StringVar(&payload, "payload", "", "call payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the call payload from a file")
	cmd.Flags().StringVar(&value, "value", "0", "decimal value carried by the call")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func proposalActionCmd(verb, short string, pick func(*engine.Engine) proposalAction) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withCaller(cmd.Context(), func(ctx context.Context, e *engine.Engine, caller domain.Address) error {
				p, err := pick(e)(ctx, caller, id)
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
}

func proposalExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Dispatch a ready proposal once its timelock has elapsed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withCaller(cmd.Context(), func(ctx context.Context, e *engine.Engine, caller domain.Address) error {
				p, res, err := e.Execute(ctx, caller, id)
				if err != nil && p.ID == 0 {
					return err
				}
				if perr := printProposal(p); perr != nil {
					return perr
				}
				if res.Status != 0 {
					fmt.Fprintf(os.Stderr, "target answered %d\n", res.Status)
				}
				return err
			})
		},
	}
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withWallet(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.GetProposal(ctx, id)
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = domain.State(state)
			return withWallet(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := e.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Target", "Value", "Weight", "Ready At", "Executable"})
				for _, p := range items {
					readyAt := ""
					if p.ReadyAt != nil {
						readyAt = p.ReadyAt.Local().Format(time.DateTime)
					}
					tw.AppendRow(table.Row{p.ID, p.State, p.Target, p.Value.String(), p.ConfirmedWeight, readyAt, p.Executable(now) && !p.InFlight()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "pending, ready, executed, failed or cancelled")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum proposals")
	cmd.Flags().Int64Var(&f.Cursor, "before", 0, "only proposals with an id below this one")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every accepted change to signers, threshold, timelock, admin and proposals, in order.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for i := len(events) - 1; i >= 0; i-- {
					evt := events[i]
					tw.AppendRow(table.Row{evt.ID, evt.TS.Local().Format(time.DateTime), evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "wallet, signer or proposal")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API keys for the HTTP API",
		Long:  "A key authenticates its holder as one address. Capabilities are still checked on every call.",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <address>",
		Short: "Create a key for an address; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, ok := domain.ParseAddress(args[0])
			if !ok {
				return fmt.Errorf("address required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				secret := "msig_" + hex.EncodeToString(buf)
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   string(addr),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC(),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "address": key.ActorID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, address)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Address", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "only keys of this address")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the wallet API, /metrics and /docs. It fails executions a crash left unfinished once they are older than the dispatch timeout plus a minute.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			w, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				Logger:     slog.Default(),
				Registerer: reg,
				Notify:     true,
				Recover:    true,
			})
			if err != nil {
				return err
			}
			defer w.Close()
			srvCfg := w.Config.Server
			if addr != "" {
				srvCfg.Addr = addr
			}
			if basePath != "" {
				srvCfg.BasePath = basePath
			}
			if srvCfg.JWTSecret == "" && !srvCfg.AllowActorHeader {
				slog.Warn("no jwt secret configured; only API keys can authenticate")
			}
			if srvCfg.DevLogin {
				if srvCfg.JWTSecret == "" {
					return fmt.Errorf("server.dev_login needs server.jwt_secret")
				}
				slog.Warn("dev login enabled: anyone can mint a token for any address")
			}
			handler, err := server.New(server.Config{
				Engine:   w.Engine,
				BasePath: srvCfg.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:        srvCfg.JWTSecret,
					AllowActorHeader: srvCfg.AllowActorHeader,
					DevLogin:         srvCfg.DevLogin,
					Logger:           slog.Default(),
				},
				Gatherer: reg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: srvCfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			go recoverLoop(ctx, w.Engine, time.Minute)
			slog.Info("serving wallet API", "wallet", w.Config.Wallet.ID, "url", "http://"+srvCfg.Addr+srvCfg.BasePath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides wallet.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides wallet.yml)")
	return cmd
}

// recoverLoop retries recovery so executions skipped at start-up as too
// recent are failed once they go stale.
func recoverLoop(ctx context.Context, e *engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Recover(ctx); err != nil {
				slog.Warn("recovering interrupted executions", "error", err)
			}
		}
	}
}

// --- helpers ---

func withWallet(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	w, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: slog.Default(), Notify: true})
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w.Engine)
}

func withCaller(ctx context.Context, fn func(context.Context, *engine.Engine, domain.Address) error) error {
	caller, err := callerAddress()
	if err != nil {
		return err
	}
	return withWallet(ctx, func(ctx context.Context, e *engine.Engine) error {
		return fn(ctx, e, caller)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	w, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w.Engine.Repo)
}

func callerAddress() (domain.Address, error) {
	addr, ok := domain.ParseAddress(viper.GetString("as"))
	if !ok {
		return "", fmt.Errorf("--as (or MSIG_AS) required")
	}
	return addr, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid proposal id %q", raw)
	}
	return id, nil
}

// exitCode: 75 retry later (timelock), 77 unauthorized, 2 other wallet
// rejections, 1 anything else.
func exitCode(err error) int {
	switch {
	case werrors.Retryable(err):
		return 75
	case werrors.ErrUnauthorized.Is(err):
		return 77
	case werrors.Kind(err) != nil:
		return 2
	default:
		return 1
	}
}

func printWallet(w domain.Wallet) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Wallet", w.ID},
		{"Admin", w.Admin},
		{"Required weight", w.RequiredWeight},
		{"Total weight", w.TotalWeight},
		{"Timelock", w.TimelockDelay.String()},
	})
	tw.Render()
	return nil
}

func printSigners(signers []domain.Signer) error {
	if viper.GetBool("json") {
		return printJSON(signers)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Address", "Weight", "Active", "Updated"})
	for _, s := range signers {
		tw.AppendRow(table.Row{s.Address, s.Weight, s.Active, s.UpdatedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
	return nil
}

func printProposal(p domain.Proposal) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	rows := []table.Row{
		{"ID", p.ID},
		{"State", p.State},
		{"Proposer", p.Proposer},
		{"Target", p.Target},
		{"Value", p.Value.String()},
		{"Confirmed weight", p.ConfirmedWeight},
	}
	for _, c := range p.ConfirmedBy {
		rows = append(rows, table.Row{"  confirmed by", fmt.Sprintf("%s (%d)", c.Signer, c.Weight)})
	}
	if p.ReadyAt != nil {
		rows = append(rows, table.Row{"Ready at", p.ReadyAt.Local().Format(time.DateTime)})
	}
	if p.ExecutedAt != nil {
		rows = append(rows, table.Row{"Executed at", p.ExecutedAt.Local().Format(time.DateTime)})
	}
	if p.FailureReason != "" {
		rows = append(rows, table.Row{"Failure", p.FailureReason})
	}
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
