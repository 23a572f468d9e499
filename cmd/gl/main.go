package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/repo"
	"gateline/internal/review"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline runs work through ordered phases with reviewed, auditable changes.
Core concepts:
- Phases: ordered stages of work; each ends at a gate that must be satisfied before the next opens.
- Gate criteria: checks like "all items done" or "no pending escalations"; evaluate with 'gl phase gate'.
- Work items: units of work routed to capability roles (analyst, architect, verifier, curator).
- Proposals: changes submitted for review; every required reviewer votes per round.
- Debate: a split vote opens a bounded debate; positions need evidence; an exhausted debate goes to the resolver.
- Escalations: undecidable or overdue reviews wait for a human decision ('gl escalation resolve').
- Catalogue: versioned entries that lock at phase boundaries; locked behavior only changes through escalation.
- Chronicle: the gapless, append-only record of every settled review.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(catalogueCmd())
	rootCmd.AddCommand(chronicleCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Writes the default gateline.yml, creates the database, seeds the configured phases and roles, and opens phase 1.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.InitEngine(cmd.Context(), viper.GetString("actor-id")); err != nil {
				return err
			}
			fmt.Printf("Initialized %s (config at %s)\n", cfg.Engine.ID, cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "gateline", "engine id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage engine config"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print the default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault("gateline"))
			return nil
		},
	}
	cfgCmd.AddCommand(generate)
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate and install a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			dest := config.Path(viper.GetString("workspace"))
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Imported config for %s to %s\n", cfg.Engine.ID, dest)
			return nil
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config file to import")
	cfgCmd.AddCommand(importCmd)
	var checkFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := checkFile
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&checkFile, "file", "", "config file to validate")
	cfgCmd.AddCommand(validateCmd)
	return cfgCmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases, err := e.Phases.List(ctx)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountItemsByStatus(ctx, 0)
				if err != nil {
					return err
				}
				pending, err := e.Repo.CountEscalationsByResolution(ctx, domain.EscalationPending)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"engine_id":           e.Config.Engine.ID,
					"phases":              phases,
					"item_counts":         counts,
					"pending_escalations": pending,
				})
			})
		},
	}
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phase", Short: "Phases and gates"}
	cmd.AddCommand(phaseListCmd())
	cmd.AddCommand(phaseGateCmd())
	cmd.AddCommand(phaseAdvanceCmd())
	cmd.AddCommand(phaseReopenCmd())
	return cmd
}

func phaseListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases, err := e.Phases.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ordinal", "Name", "Status", "Priority", "Opened", "Closed"})
				for _, p := range phases {
					tw.AppendRow(table.Row{p.Ordinal, p.Name, p.Status, p.SafetyPriority, p.OpenedAt, p.ClosedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func phaseGateCmd() *cobra.Command {
	var ordinal int
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Evaluate a phase gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.GateStatus(ctx, ordinal, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	cmd.Flags().IntVar(&ordinal, "phase", 1, "phase ordinal")
	return cmd
}

func phaseAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Close the open phase and open the next",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Phases.AdvancePhase(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func phaseReopenCmd() *cobra.Command {
	var ordinal int
	var escalationID string
	cmd := &cobra.Command{
		Use:   "reopen",
		Short: "Reopen a closed phase against a resolved escalation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if escalationID == "" {
				return fmt.Errorf("--escalation required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Phases.ReopenPhase(ctx, ordinal, escalationID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&ordinal, "phase", 0, "phase ordinal")
	cmd.Flags().StringVar(&escalationID, "escalation", "", "resolved escalation id")
	_ = cmd.MarkFlagRequired("escalation")
	return cmd
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Work items"}
	cmd.AddCommand(itemIngestCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemGetCmd())
	cmd.AddCommand(itemAssignCmd())
	return cmd
}

func itemIngestCmd() *cobra.Command {
	var file, id, title string
	var phase int
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest work item descriptors",
		Long:  "Reads a JSON array of descriptors from --file, or a single descriptor from --id/--phase/--title. Already known ids are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var descriptors []domain.WorkItemDescriptor
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &descriptors); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			} else {
				if id == "" || title == "" {
					return fmt.Errorf("--file or --id and --title required")
				}
				descriptors = []domain.WorkItemDescriptor{{ID: id, PhaseOrdinal: phase, Title: title}}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Ingest(ctx, descriptors, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with descriptors")
	cmd.Flags().StringVar(&id, "id", "", "item id")
	cmd.Flags().IntVar(&phase, "phase", 1, "phase ordinal")
	cmd.Flags().StringVar(&title, "title", "", "item title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Router.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Title", "Role", "Status"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.PhaseOrdinal, item.Title, item.Role, item.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.PhaseOrdinal, "phase", 0, "phase filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Router.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func itemAssignCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign an item to a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Router.Assign(ctx, args[0], role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "capability role")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Short: "Change proposals and review rounds"}
	cmd.AddCommand(proposalSubmitCmd())
	cmd.AddCommand(proposalListCmd())
	cmd.AddCommand(proposalGetCmd())
	cmd.AddCommand(proposalVoteCmd())
	cmd.AddCommand(proposalPositionCmd())
	cmd.AddCommand(proposalReviseCmd())
	cmd.AddCommand(proposalWithdrawCmd())
	cmd.AddCommand(proposalRecordCmd())
	return cmd
}

func proposalSubmitCmd() *cobra.Command {
	var itemID, role, target, payload string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemID == "" || role == "" {
				return fmt.Errorf("--item and --role required")
			}
			if payload == "" {
				payload = "{}"
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Review.Submit(ctx, review.SubmitInput{
					ItemID:        itemID,
					AuthorRole:    role,
					TargetEntryID: target,
					Payload:       payload,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "work item id")
	cmd.Flags().StringVar(&role, "role", "", "author role")
	cmd.Flags().StringVar(&target, "target", "", "catalogue entry id this proposal targets")
	cmd.Flags().StringVar(&payload, "payload", "", "proposal payload JSON")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var itemID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var statuses []string
				if status != "" {
					statuses = strings.Split(status, ",")
				}
				proposals, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
					ItemID:   itemID,
					Statuses: statuses,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(proposals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Item", "Status", "Round", "Debates", "Revision", "Decided By"})
				for _, p := range proposals {
					tw.AppendRow(table.Row{p.ID, p.ItemID, p.Status, p.Round, p.DebateRounds, p.Revision, p.DecidedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "item filter")
	cmd.Flags().StringVar(&status, "status", "", "comma-separated status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func proposalGetCmd() *cobra.Command {
	var showVotes, showPositions bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Review.Get(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"proposal": p}
				if showVotes {
					votes, err := e.Review.Votes(ctx, args[0])
					if err != nil {
						return err
					}
					out["votes"] = votes
				}
				if showPositions {
					positions, err := e.Review.Positions(ctx, args[0])
					if err != nil {
						return err
					}
					out["positions"] = positions
				}
				if !showVotes && !showPositions {
					return printJSONOrTable(p)
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().BoolVar(&showVotes, "votes", false, "include votes")
	cmd.Flags().BoolVar(&showPositions, "positions", false, "include debate positions")
	return cmd
}

func proposalVoteCmd() *cobra.Command {
	var role, verdict, rationale string
	cmd := &cobra.Command{
		Use:   "vote <id>",
		Short: "Record a review vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || verdict == "" {
				return fmt.Errorf("--role and --verdict required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcome, err := e.Review.RecordVote(ctx, review.VoteInput{
					ProposalID: args[0],
					Role:       role,
					Verdict:    verdict,
					Rationale:  rationale,
					ActorID:    viper.GetString("actor-id"),
				})
				var deadlock review.ConsensusDeadlockError
				if errors.As(err, &deadlock) {
					fmt.Printf("Review deadlocked; escalation %s raised. Resolve with 'gl escalation resolve %s'.\n", deadlock.EscalationID, deadlock.EscalationID)
					return printJSONOrTable(outcome)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(outcome)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "reviewer role")
	cmd.Flags().StringVar(&verdict, "verdict", "", "approved, requested_change, or objection")
	cmd.Flags().StringVar(&rationale, "rationale", "", "vote rationale")
	return cmd
}

func proposalPositionCmd() *cobra.Command {
	var role, statement, evidence string
	cmd := &cobra.Command{
		Use:   "position <id>",
		Short: "File a debate position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || statement == "" || evidence == "" {
				return fmt.Errorf("--role, --statement and --evidence required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Review.RecordPosition(ctx, review.PositionInput{
					ProposalID:  args[0],
					Role:        role,
					Statement:   statement,
					EvidenceRef: evidence,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "reviewer role")
	cmd.Flags().StringVar(&statement, "statement", "", "position statement")
	cmd.Flags().StringVar(&evidence, "evidence", "", "evidence reference")
	return cmd
}

func proposalReviseCmd() *cobra.Command {
	var payload, entryContent string
	cmd := &cobra.Command{
		Use:   "revise <id>",
		Short: "Re-enter voting with a revised payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload == "" {
				payload = "{}"
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Review.Revise(ctx, review.ReviseInput{
					ProposalID:   args[0],
					Payload:      payload,
					EntryContent: entryContent,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "revised payload JSON")
	cmd.Flags().StringVar(&entryContent, "entry-content", "", "revised catalogue entry content")
	return cmd
}

func proposalWithdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Review.Withdraw(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func proposalRecordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record <id>",
		Short: "Show the chronicle record for a settled proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Chronicle.RecordForProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func catalogueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "catalogue", Short: "Versioned catalogue entries"}
	cmd.AddCommand(catalogueProposeCmd())
	cmd.AddCommand(catalogueListCmd())
	cmd.AddCommand(catalogueGetCmd())
	cmd.AddCommand(catalogueChainCmd())
	cmd.AddCommand(catalogueChangeCmd())
	return cmd
}

func catalogueProposeCmd() *cobra.Command {
	var id, content string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a catalogue entry draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || content == "" {
				return fmt.Errorf("--id and --content required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.Catalogue.Propose(ctx, id, content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entry id")
	cmd.Flags().StringVar(&content, "content", "", "entry content")
	return cmd
}

func catalogueListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List head versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListHeadEntries(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Status", "Diff Note"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.Version, entry.Status, entry.DiffNote})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func catalogueGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get the head version of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.Catalogue.Head(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func catalogueChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <id>",
		Short: "Show the full version history of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				chain, err := e.Catalogue.Chain(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Status", "Supersedes", "Diff Note", "Updated"})
				for _, entry := range chain {
					supersedes := ""
					if entry.Supersedes != nil {
						supersedes = fmt.Sprintf("v%d", *entry.Supersedes)
					}
					tw.AppendRow(table.Row{entry.Version, entry.Status, supersedes, entry.DiffNote, entry.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func catalogueChangeCmd() *cobra.Command {
	var kind, reason, content string
	cmd := &cobra.Command{
		Use:   "change <id>",
		Short: "Request a change to a locked entry",
		Long:  "Clerical corrections apply immediately. Behavioral changes raise an escalation. Deletion is always refused.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" || reason == "" {
				return fmt.Errorf("--kind and --reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcome, err := e.Catalogue.RequestChange(ctx, args[0], kind, reason, content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(outcome)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "clerical, behavioral, or deletion")
	cmd.Flags().StringVar(&reason, "reason", "", "why the change is needed")
	cmd.Flags().StringVar(&content, "content", "", "replacement content")
	return cmd
}

func chronicleCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "chronicle",
		Short: "List chronicle records, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Chronicle.Records(ctx, after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Proposal", "Decision", "Appended"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.Seq, rec.ProposalID, rec.Decision, rec.AppendedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "return records with seq greater than this")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records")
	return cmd
}

func escalationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "escalation", Short: "Human decision points"}
	cmd.AddCommand(escalationListCmd())
	cmd.AddCommand(escalationGetCmd())
	cmd.AddCommand(escalationResolveCmd())
	return cmd
}

func escalationListCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				escalations, err := e.Escalation.List(ctx, resolution)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(escalations)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Subject ID", "Item", "Resolution", "Reason"})
				for _, esc := range escalations {
					tw.AppendRow(table.Row{esc.ID, esc.SubjectKind, esc.SubjectID, esc.ItemID, esc.Resolution, esc.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "pending or resolved")
	return cmd
}

func escalationGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				esc, err := e.Escalation.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
}

func escalationResolveCmd() *cobra.Command {
	var outcome, decision string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an escalation with a human decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outcome == "" || decision == "" {
				return fmt.Errorf("--outcome and --decision required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				esc, err := e.ResolveEscalation(ctx, args[0], outcome, decision, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "approve, reject, or resume")
	cmd.Flags().StringVar(&decision, "decision", "", "the recorded decision text")
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Capability roles"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List role charters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				charters, err := e.Repo.ListCharters(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(charters)
			})
		},
	})
	var target, roleID string
	bind := &cobra.Command{
		Use:   "bind",
		Short: "Bind a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || roleID == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.BindRole(ctx, target, roleID)
			})
		},
	}
	bind.Flags().StringVar(&target, "actor", "", "actor id")
	bind.Flags().StringVar(&roleID, "role", "", "role id")
	cmd.AddCommand(bind)
	var utarget, uroleID string
	unbind := &cobra.Command{
		Use:   "unbind",
		Short: "Unbind a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if utarget == "" || uroleID == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UnbindRole(ctx, utarget, uroleID)
			})
		},
	}
	unbind.Flags().StringVar(&utarget, "actor", "", "actor id")
	unbind.Flags().StringVar(&uroleID, "role", "", "role id")
	cmd.AddCommand(unbind)
	show := &cobra.Command{
		Use:   "show <actor>",
		Short: "Show roles bound to an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ActorRoles(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key prints once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key name")
	cmd.AddCommand(create)
	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")
	cmd.AddCommand(list)
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Process overdue vote deadlines",
		Long:  "Retries proposals whose vote deadline passed, and escalates those out of retries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Sweep(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("GATELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "trust X-Actor-Id without auth")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
