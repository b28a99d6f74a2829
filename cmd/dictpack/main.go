// Command dictpack is the operator CLI for the dictpackd control API.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	grpcserver "github.com/and161185/dictpack/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// tokenTTL bounds the lifetime of the per-invocation operator token.
const tokenTTL = 5 * time.Minute

// options are the persistent flags shared by every subcommand.
type options struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
	jwtKey    string
	operator  string
	format    string
	timeout   time.Duration
}

// dialFunc opens a control client. Tests replace it with a bufconn dialer.
type dialFunc func(ctx context.Context, o *options, bearer string) (*grpcserver.ControlClient, io.Closer, error)

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func transportOptions(o *options, bearer string) ([]grpc.DialOption, error) {
	var opts []grpc.DialOption
	if o.plaintext {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		creds, err := loadTLS(o.caPath, o.insecure)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	// word list files travel in one message
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(grpcserver.MaxWordListBytes+1<<16)))
	return opts, nil
}

func dial(_ context.Context, o *options, bearer string) (*grpcserver.ControlClient, io.Closer, error) {
	opts, err := transportOptions(o, bearer)
	if err != nil {
		return nil, nil, err
	}
	cc, err := grpc.NewClient(o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return grpcserver.NewControlClient(cc), cc, nil
}

// mintToken signs a short-lived HS256 token naming the operator.
func mintToken(key, operator string, now time.Time) (string, error) {
	if key == "" {
		return "", errors.New("no jwt key: pass --jwt-key or set DICTPACK_JWT_KEY")
	}
	if operator == "" {
		return "", errors.New("empty operator")
	}
	claims := jwt.RegisteredClaims{
		Subject:   operator,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

func defaultOperator() string {
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "operator"
}

// ---- main ----

func newRootCmd(dialer dialFunc) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "dictpack",
		Short:         "Operate a dictpackd daemon",
		Long:          "dictpack talks to the dictpackd control API: trigger updates, manage clients and word lists.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.addr, "addr", "localhost:8443", "server addr")
	pf.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&o.insecure, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&o.plaintext, "plaintext", false, "connect without TLS")
	pf.StringVar(&o.jwtKey, "jwt-key", os.Getenv("DICTPACK_JWT_KEY"), "HS256 signing key (default: $DICTPACK_JWT_KEY)")
	pf.StringVar(&o.operator, "operator", defaultOperator(), "operator name put in the token subject")
	pf.StringVarP(&o.format, "format", "f", "json", "Output format: json or text")
	pf.DurationVar(&o.timeout, "timeout", 30*time.Second, "per-command deadline")

	root.AddCommand(versionCmd())
	for _, c := range controlCmds(o, dialer) {
		root.AddCommand(c)
	}
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dictpack %s (%s)\n", version, buildDate)
		},
	}
}

// main runs the command tree and reports rpc failures.
func main() {
	if err := newRootCmd(dial).ExecuteContext(context.Background()); err != nil {
		fail(err)
	}
}

// ---- helpers ----

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
