// Package main implements shardctl, the command line client of a shardq cluster.
//
// Any node of the cluster can serve any command, the node routes the
// request to the shard of the key.
//
// Example usage:
//
//	# Where does a key live?
//	shardctl --addr 127.0.0.1:8081 shard 10
//
//	# Single-phase writes
//	shardctl insert demo '[1, "first"]'
//	shardctl update demo 1 '[{"op": "=", "field": 2, "value": "changed"}]'
//	shardctl auto-increment demo '["no key yet"]'
//
//	# Queued writes and their status
//	shardctl enqueue demo 5 --id-type text insert '[5, "queued"]'
//	shardctl check demo 5 --id-type text --shard 1
//
//	# Reads
//	shardctl select demo --order desc
//	shardctl get demo 1 -o yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardq/internal/apiclient"
	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/merger"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/storage"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type options struct {
	addr    string
	timeout time.Duration
	output  string
	idType  string
}

func (o *options) client() *apiclient.Client {
	return apiclient.New(o.addr, o.timeout)
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "shardctl",
		Short:         "Command line client of a shardq cluster",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output != "json" && opts.output != "yaml" {
				return fmt.Errorf(`output must be "json" or "yaml", found "%s"`, opts.output)
			}
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", "127.0.0.1:8081", "address of any node")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	flags.StringVarP(&opts.output, "output", "o", "json", "output format, json or yaml")

	root.AddCommand(
		readyCommand(opts),
		nodesCommand(opts),
		mapCommand(opts),
		shardCommand(opts),
		writeCommand(opts, model.KindInsert, "insert <space> <tuple>", "Insert a tuple, fails if the key exists"),
		writeCommand(opts, model.KindReplace, "replace <space> <tuple>", "Insert or overwrite a tuple"),
		updateCommand(opts),
		deleteCommand(opts),
		writeCommand(opts, model.KindAutoIncrement, "auto-increment <space> <fields>", "Insert a tuple with a cluster-unique integer key"),
		enqueueCommand(opts),
		checkCommand(opts),
		getCommand(opts),
		selectCommand(opts),
		statsCommand(opts),
	)
	return root
}

func readyCommand(opts *options) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "Show whether the node completed its first heartbeat round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			check := opts.client().Ready
			if wait {
				check = opts.client().WaitReady
			}
			ready, err := check(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]any{"ready": ready})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the node is ready, up to --timeout")
	return cmd
}

func nodesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the configured nodes and their liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nodes, err := opts.client().Nodes(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), nodes)
		},
	}
}

func mapCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "map",
		Short: "Dump the shard map of the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dump, err := opts.client().ShardMap(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), dump)
		},
	}
}

func shardCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "shard <key>",
		Short: "Show the replica set of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := opts.client().Shard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), target)
		},
	}
}

func writeCommand(opts *options, kind model.Kind, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tuple, err := parseTuple(args[1])
			if err != nil {
				return err
			}
			m := model.Mutation{Kind: kind, Tuple: tuple}
			if kind == model.KindAutoIncrement {
				m = model.Mutation{Kind: kind, Fields: tuple}
			}
			return opts.write(cmd, args[0], m)
		},
	}
}

func updateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <space> <key> <ops>",
		Short: "Apply field operations to the tuple with the key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cluster.ParseID(args[1], opts.idType)
			if err != nil {
				return err
			}
			var ops []storage.UpdateOp
			if err := json.Unmarshal([]byte(args[2]), &ops); err != nil {
				return fmt.Errorf("invalid update operations: %w", err)
			}
			return opts.write(cmd, args[0], model.Update(key, ops...))
		},
	}
	idTypeFlag(cmd, opts, "key")
	return cmd
}

func deleteCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <space> <key>",
		Short: "Delete the tuple with the key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cluster.ParseID(args[1], opts.idType)
			if err != nil {
				return err
			}
			return opts.write(cmd, args[0], model.Delete(key))
		},
	}
	idTypeFlag(cmd, opts, "key")
	return cmd
}

func enqueueCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <space> <id> <kind> <payload>",
		Short: "Submit a queued write with a client chosen operation id",
		Long: "Submit a queued write. The payload is the tuple for insert and replace,\n" +
			"the fields for auto-increment, the key for delete and\n" +
			`{"key": ..., "ops": [...]} for update.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cluster.ParseID(args[1], opts.idType)
			if err != nil {
				return err
			}
			m, err := parseMutation(args[2], args[3])
			if err != nil {
				return err
			}
			created, err := opts.client().Enqueue(cmd.Context(), args[0], id, m)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), cluster.EnqueueResponse{ID: id, Created: created})
		},
	}
	idTypeFlag(cmd, opts, "operation id")
	return cmd
}

func checkCommand(opts *options) *cobra.Command {
	var shardIndex int
	cmd := &cobra.Command{
		Use:   "check <space> <id>",
		Short: "Show the status of a queued operation on the primary of a shard",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cluster.ParseID(args[1], opts.idType)
			if err != nil {
				return err
			}
			status, err := opts.client().CheckOperation(cmd.Context(), args[0], id, shardIndex)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), status)
		},
	}
	idTypeFlag(cmd, opts, "operation id")
	cmd.Flags().IntVar(&shardIndex, "shard", 0, "shard index")
	return cmd
}

func getCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <space> <key>",
		Short: "Read the tuple with the key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cluster.ParseID(args[1], opts.idType)
			if err != nil {
				return err
			}
			tuple, err := opts.client().Get(cmd.Context(), args[0], key)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), tuple)
		},
	}
	idTypeFlag(cmd, opts, "key")
	return cmd
}

func selectCommand(opts *options) *cobra.Command {
	var order string
	cmd := &cobra.Command{
		Use:   "select <space>",
		Short: "Read all tuples of a space in key order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := merger.ParseOrder(order)
			if err != nil {
				return err
			}
			tuples, err := opts.client().Select(cmd.Context(), args[0], o)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), tuples)
		},
	}
	cmd.Flags().StringVar(&order, "order", string(merger.Asc), "asc or desc")
	return cmd
}

func statsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <space>",
		Short: "Show the operation counters of the node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := opts.client().Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), stats)
		},
	}
}

func idTypeFlag(cmd *cobra.Command, opts *options, what string) {
	cmd.Flags().StringVar(&opts.idType, "id-type", "", fmt.Sprintf("type of the %s, int or text, guessed when empty", what))
}

func (o *options) write(cmd *cobra.Command, space string, m model.Mutation) error {
	tuple, err := o.client().Write(cmd.Context(), space, m)
	if err != nil {
		return err
	}
	return o.print(cmd.OutOrStdout(), tuple)
}

func (o *options) print(w io.Writer, v any) error {
	if o.output == "yaml" {
		// Round trip through JSON so the output uses the json field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTuple(s string) (storage.Tuple, error) {
	var tuple storage.Tuple
	if err := json.Unmarshal([]byte(s), &tuple); err != nil {
		return nil, fmt.Errorf("tuple must be a JSON array of scalars: %w", err)
	}
	return tuple, nil
}

func parseMutation(kind, payload string) (model.Mutation, error) {
	k, err := model.ParseKind(kind)
	if err != nil {
		return model.Mutation{}, err
	}
	switch k {
	case model.KindInsert, model.KindReplace:
		tuple, err := parseTuple(payload)
		return model.Mutation{Kind: k, Tuple: tuple}, err
	case model.KindAutoIncrement:
		fields, err := parseTuple(payload)
		return model.Mutation{Kind: k, Fields: fields}, err
	case model.KindDelete:
		var key storage.Key
		if err := json.Unmarshal([]byte(payload), &key); err != nil {
			return model.Mutation{}, fmt.Errorf("invalid key: %w", err)
		}
		return model.Delete(key), nil
	default:
		m := model.Mutation{Kind: k}
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return model.Mutation{}, fmt.Errorf("invalid update: %w", err)
		}
		m.Kind = k
		return m, nil
	}
}
