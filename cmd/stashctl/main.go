// Command stashctl - консольный клиент сервера Stash.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/stashresearch/server/internal/client"
)

const (
	envServer     = "STASH_SERVER"
	envToken      = "STASH_TOKEN" //nolint:gosec // Имя переменной окружения
	defaultServer = "http://localhost:8080"
)

// Переменные для версии и даты сборки, устанавливаются через ldflags.
var (
	version   = "dev"
	buildDate = "unknown"
)

// options - общие параметры всех команд.
type options struct {
	server  string
	token   string
	verbose bool
	stdout  io.Writer

	// newClient подменяется в тестах.
	newClient func(baseURL string) client.Client
}

func (o *options) client() client.Client {
	c := o.newClient(o.server)
	if o.token != "" {
		c.SetAuthToken(o.token)
	}
	return c
}

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand собирает дерево команд.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{stdout: stdout, newClient: client.NewHTTPClient}

	root := &cobra.Command{
		Use:           "stashctl",
		Short:         "Клиент сервера версионирования снимков данных Stash",
		Version:       fmt.Sprintf("%s (сборка %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

			flags := cmd.Flags()
			if !flags.Changed("server") {
				if value, ok := os.LookupEnv(envServer); ok && value != "" {
					opts.server = value
				}
			}
			if !flags.Changed("token") {
				if value, ok := os.LookupEnv(envToken); ok {
					opts.token = value
				}
			}
			slog.Debug("[stashctl] Параметры", "server", opts.server, "withToken", opts.token != "")
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", defaultServer, "Адрес сервера (env: "+envServer+")")
	pf.StringVar(&opts.token, "token", "", "JWT токен (env: "+envToken+")")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Подробный лог в stderr")

	root.AddCommand(
		newRegisterCommand(opts),
		newLoginCommand(opts),
		newKeyCommand(opts),
		newCreateCommand(opts),
		newListCommand(opts),
		newShowCommand(opts),
		newSetupCommand(opts),
		newColumnsCommand(opts),
		newUploadCommand(opts),
		newCSVCommand(opts),
		newHistoryCommand(opts),
		newDiffCommand(opts),
	)
	return root
}
