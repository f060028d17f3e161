package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/bonial-oss/healthchecks-monitor/pkg/config"
	"github.com/bonial-oss/healthchecks-monitor/pkg/entry"
	"github.com/bonial-oss/healthchecks-monitor/pkg/flow"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// prompter reads flow input from the operator. Secrets are read without
// echo if fd is a terminal.
type prompter struct {
	in          *bufio.Reader
	out         io.Writer
	fd          int
	interactive bool
}

func newPrompter(out io.Writer) *prompter {
	fd := int(os.Stdin.Fd())

	return &prompter{
		in:          bufio.NewReader(os.Stdin),
		out:         out,
		fd:          fd,
		interactive: term.IsTerminal(fd),
	}
}

// readLine reads a line of input. An empty line keeps current. Returns
// io.EOF once the input is exhausted.
func (p *prompter) readLine(label, current string) (string, error) {
	if current != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, current)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}

	line, err := p.in.ReadString('\n')
	if err == io.EOF && line == "" {
		fmt.Fprintln(p.out)
		return "", errors.Wrapf(err, "failed to read %s", label)
	}

	if err != nil && err != io.EOF {
		return "", errors.Wrapf(err, "failed to read %s", label)
	}

	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return current, nil
	}

	return line, nil
}

func (p *prompter) readSecret(label string) (string, error) {
	if !term.IsTerminal(p.fd) {
		return p.readLine(label, "")
	}

	fmt.Fprintf(p.out, "%s: ", label)

	buf, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s", label)
	}

	return string(buf), nil
}

// confirm asks a yes/no question. Anything but y or yes is a no.
func (p *prompter) confirm(question string) (bool, error) {
	answer, err := p.readLine(question+" [y/N]", "")
	if err != nil {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// resolveFormErrors shows the form errors of result and decides how to
// continue. Fields that have to be entered again are returned. For remote
// failures unrelated to the input the operator is asked whether to retry.
// Returns the form error if the flow should end.
func (p *prompter) resolveFormErrors(result *flow.Result) ([]string, error) {
	ferr := formError(result)

	if !p.interactive || len(result.Errors) == 0 {
		return nil, ferr
	}

	fmt.Fprintln(p.out, ferr)

	var fields []string

	for field := range result.Errors {
		if field != flow.FieldBase {
			fields = append(fields, field)
		}
	}

	switch result.Errors[flow.FieldBase] {
	case "":
	case flow.ErrorInvalidAuth:
		fields = append(fields, flow.FieldAPIKey)
	case flow.ErrorCheckNotFound:
		fields = append(fields, flow.FieldCheckID)
	default:
		retry, err := p.confirm("Retry")
		if err != nil {
			return nil, err
		}

		if !retry {
			return nil, ferr
		}
	}

	return fields, nil
}

func formError(result *flow.Result) error {
	fields := make([]string, 0, len(result.Errors))
	for field := range result.Errors {
		fields = append(fields, field)
	}

	sort.Strings(fields)

	msgs := make([]string, 0, len(fields))
	for _, field := range fields {
		msgs = append(msgs, fmt.Sprintf("%s: %s", field, result.Errors[field]))
	}

	return errors.Errorf("validation failed (%s)", strings.Join(msgs, ", "))
}

func newFlow(options *config.Options) (*flow.Flow, error) {
	factory, err := newProviderFactory(options)
	if err != nil {
		return nil, err
	}

	// A running daemon picks up the changed entries file and reloads the
	// affected entries.
	return flow.New(factory, entry.NewFileStore(options.EntriesFile), nil), nil
}

func newAddCommand(options *config.Options) *cobra.Command {
	var checkID string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Validate a check and add it to the monitored entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := newFlow(options)
			if err != nil {
				return err
			}

			return runUserStep(cmd.Context(), f, newPrompter(cmd.OutOrStdout()), &flow.UserInput{
				APIKey:  options.APIKey,
				CheckID: checkID,
			})
		},
	}

	cmd.Flags().StringVar(&options.APIKey, "api-key", options.APIKey, "The healthchecks.io API key. Defaults to $HEALTHCHECKS_API_KEY.")
	cmd.Flags().StringVar(&checkID, "check-id", checkID, "The identifier of the check to monitor.")

	return cmd
}

func runUserStep(ctx context.Context, f *flow.Flow, p *prompter, input *flow.UserInput) error {
	for {
		if p.interactive {
			err := promptUserInput(p, input)
			if err != nil {
				return err
			}
		}

		result, err := f.StepUser(ctx, input)
		if err != nil {
			return err
		}

		switch result.Type {
		case flow.ResultCreateEntry:
			fmt.Fprintf(p.out, "Added entry %s for check %q (%s)\n", result.Entry.ID, result.Title, result.Entry.CheckID)
			return nil
		case flow.ResultAbort:
			return errors.Errorf("aborted: %s", result.Reason)
		case flow.ResultForm:
			fields, err := p.resolveFormErrors(result)
			if err != nil {
				return err
			}

			for _, field := range fields {
				switch field {
				case flow.FieldAPIKey:
					input.APIKey = ""
				case flow.FieldCheckID:
					input.CheckID = ""
				}
			}
		default:
			return errors.Errorf("unexpected result %q", result.Type)
		}
	}
}

func promptUserInput(p *prompter, input *flow.UserInput) error {
	var err error

	if strings.TrimSpace(input.APIKey) == "" {
		input.APIKey, err = p.readSecret("API key")
		if err != nil {
			return err
		}
	}

	if strings.TrimSpace(input.CheckID) == "" {
		input.CheckID, err = p.readLine("Check ID", "")
		if err != nil {
			return err
		}
	}

	return nil
}

func newReauthCommand(options *config.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reauth <entry-id>",
		Short: "Replace the API key of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := newFlow(options)
			if err != nil {
				return err
			}

			return runReauthStep(cmd.Context(), f, newPrompter(cmd.OutOrStdout()), args[0], options.APIKey)
		},
	}

	cmd.Flags().StringVar(&options.APIKey, "api-key", options.APIKey, "The new healthchecks.io API key. Defaults to $HEALTHCHECKS_API_KEY.")

	return cmd
}

func runReauthStep(ctx context.Context, f *flow.Flow, p *prompter, entryID, apiKey string) error {
	for {
		if p.interactive && strings.TrimSpace(apiKey) == "" {
			var err error

			apiKey, err = p.readSecret("New API key")
			if err != nil {
				return err
			}
		}

		result, err := f.StepReauth(ctx, entryID, &flow.ReauthInput{APIKey: apiKey})
		if err != nil {
			return err
		}

		switch result.Type {
		case flow.ResultAbort:
			if result.Reason != flow.ReasonReauthSuccessful {
				return errors.Errorf("aborted: %s", result.Reason)
			}

			fmt.Fprintf(p.out, "Updated API key of entry %s\n", entryID)
			return nil
		case flow.ResultForm:
			fields, err := p.resolveFormErrors(result)
			if err != nil {
				return err
			}

			for _, field := range fields {
				if field == flow.FieldAPIKey {
					apiKey = ""
				}
			}
		default:
			return errors.Errorf("unexpected result %q", result.Type)
		}
	}
}

func newListCommand(options *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the monitored entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := entry.NewFileStore(options.EntriesFile).List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHECK\tTITLE\tAPI KEY")

			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.CheckID, e.Title, maskAPIKey(e.APIKey))
			}

			return w.Flush()
		},
	}
}

func newRemoveCommand(options *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <entry-id>",
		Short: "Remove a monitored entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := entry.NewFileStore(options.EntriesFile).Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed entry %s\n", args[0])
			return nil
		},
	}
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 4 {
		return strings.Repeat("*", len(apiKey))
	}

	return strings.Repeat("*", len(apiKey)-4) + apiKey[len(apiKey)-4:]
}
