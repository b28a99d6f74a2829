package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/dictpack/internal/model"
	grpcserver "github.com/and161185/dictpack/internal/server/grpc"
)

type rpcFunc func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error)

// call mints a token, dials and executes fn under the command deadline.
func call(cmd *cobra.Command, o *options, dialer dialFunc, fn rpcFunc) (proto.Message, error) {
	token, err := mintToken(o.jwtKey, o.operator, timeNow())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	cli, closer, err := dialer(ctx, o, token)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return fn(ctx, cli)
}

// run is call followed by printing the reply in the chosen format.
func run(cmd *cobra.Command, o *options, dialer dialFunc, fn rpcFunc) error {
	out, err := call(cmd, o, dialer, fn)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), o.format, out)
}

// markOps maps subcommand names to the MarkWordList op they send.
var markOps = []struct{ use, op, short string }{
	{"use", "used", "Mark a word list as used by the client"},
	{"unuse", "unused", "Mark a word list as no longer used"},
	{"delete", "deleting", "Start deleting an installed word list"},
	{"deleted", "deleted", "Confirm a word list was deleted"},
	{"broken", "broken", "Report a word list as broken (retries once)"},
}

func controlCmds(o *options, dialer dialFunc) []*cobra.Command {
	cmds := []*cobra.Command{
		{
			Use:   "update",
			Short: "Request the manifests of every auto-updating client",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
					return cli.TryUpdate(ctx, &emptypb.Empty{})
				})
			},
		},
		{
			Use:   "cancel <client>",
			Short: "Cancel the pending manifest download of a client",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
					return cli.CancelUpdate(ctx, wrapperspb.String(args[0]))
				})
			},
		},
		registerCmd(o, dialer),
		{
			Use:   "locale <client> <locale>",
			Short: "Show the word lists a client would use for a locale",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				req, err := structpb.NewStruct(map[string]any{"client_id": args[0], "locale": args[1]})
				if err != nil {
					return err
				}
				return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
					return cli.WordListsForLocale(ctx, req)
				})
			},
		},
		catCmd(o, dialer),
		{
			Use:   "unregister <client>",
			Short: "Forget a client and its word lists",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
					return cli.DeleteClient(ctx, wrapperspb.String(args[0]))
				})
			},
		},
		{
			Use:   "list <client>",
			Short: "List the word lists of a client",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
					return cli.ListWordLists(ctx, wrapperspb.String(args[0]))
				})
			},
		},
		{
			Use:   "clients",
			Short: "List registered clients",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
					return cli.ListClients(ctx, &emptypb.Empty{})
				})
			},
		},
		{
			Use:   "preinstall <client> <file.json>",
			Short: "Record a word list shipped with the client ('-' reads stdin)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				req, err := preinstallRequest(args[0], args[1])
				if err != nil {
					return err
				}
				return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
					return cli.AddPreInstalled(ctx, req)
				})
			},
		},
		{
			Use:   "auto-install <client> <id>",
			Short: "Install a main dictionary nobody decided about yet",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				req, err := structpb.NewStruct(map[string]any{"client_id": args[0], "id": args[1]})
				if err != nil {
					return err
				}
				return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
					return cli.InstallIfNeverRequested(ctx, req)
				})
			},
		},
		{
			Use:       "metered <allowed|disallowed|unknown>",
			Short:     "Set whether downloads may use metered networks",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"allowed", "disallowed", "unknown"},
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := model.ParseMeteredPolicy(args[0])
				if err != nil {
					return err
				}
				return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
					return cli.SetMeteredPolicy(ctx, wrapperspb.String(p.String()))
				})
			},
		},
	}
	for _, m := range markOps {
		cmds = append(cmds, markCmd(o, dialer, m.use, m.op, m.short))
	}
	return cmds
}

func registerCmd(o *options, dialer dialFunc) *cobra.Command {
	var additionalID string
	cmd := &cobra.Command{
		Use:   "register <client> [uri]",
		Short: "Register a client or change its manifest URI",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{"client_id": args[0]}
			if len(args) == 2 {
				fields["manifest_uri"] = args[1]
			}
			if additionalID != "" {
				fields["additional_id"] = additionalID
			}
			req, err := structpb.NewStruct(fields)
			if err != nil {
				return err
			}
			return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
				return cli.RegisterClient(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&additionalID, "additional-id", "", "opaque id forwarded with manifest requests")
	return cmd
}

func catCmd(o *options, dialer dialFunc) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "cat <client> <id>",
		Short: "Fetch the installed file of a word list (empty while it is being deleted)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := structpb.NewStruct(map[string]any{"client_id": args[0], "id": args[1]})
			if err != nil {
				return err
			}
			out, err := call(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
				return cli.OpenWordList(ctx, req)
			})
			if err != nil {
				return err
			}
			b := out.(*wrapperspb.BytesValue).GetValue()
			if output != "" {
				return os.WriteFile(output, b, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the file here instead of stdout")
	return cmd
}

func markCmd(o *options, dialer dialFunc, use, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <client> <id> <version>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := markRequest(op, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return run(cmd, o, dialer, func(ctx context.Context, cli *grpcserver.ControlClient) (proto.Message, error) {
				return cli.MarkWordList(ctx, req)
			})
		},
	}
}

func markRequest(op, clientID, id, version string) (*structpb.Struct, error) {
	v, err := strconv.Atoi(version)
	if err != nil || v <= 0 {
		return nil, fmt.Errorf("bad version %q: want a positive integer", version)
	}
	return structpb.NewStruct(map[string]any{
		"client_id": clientID,
		"id":        id,
		"version":   v,
		"op":        op,
	})
}

func preinstallRequest(clientID, path string) (*structpb.Struct, error) {
	b, err := readAll(path)
	if err != nil {
		return nil, err
	}
	wl := &structpb.Struct{}
	if err := protojson.Unmarshal(b, wl); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"client_id": structpb.NewStringValue(clientID),
		"word_list": structpb.NewStructValue(wl),
	}}, nil
}

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}
