package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/route-quota/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect validation rules",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a rule file",
	Long:  "Parses a rule file and reports every rule that cannot be evaluated. Defaults to rules.path; with neither set the built-in rules are checked.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cfg.Rules.Path = args[0]
		}
		rs, err := loadRules()
		if err != nil {
			return err
		}
		return checkRules(cmd.OutOrStdout(), rs)
	},
}

// checkRules lists rs and returns an error when any rule is invalid.
func checkRules(w io.Writer, rs []rules.Rule) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tENFORCEMENT\tACTIVE\tSCOPE")
	for _, r := range rs {
		scope := "all"
		if len(r.QuestionnaireIDs) > 0 {
			scope = fmt.Sprint(r.QuestionnaireIDs)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.ID, r.Type, r.Enforcement, r.IsActive, scope)
	}
	_ = tw.Flush()

	errs := rules.ValidateAll(rs)
	if len(errs) == 0 {
		fmt.Fprintf(w, "\n%d rules OK\n", len(rs))
		return nil
	}
	fmt.Fprintln(w)
	for _, err := range errs {
		fmt.Fprintf(w, "invalid: %v\n", err)
	}
	return eris.Errorf("rules: %d of %d rules invalid", len(errs), len(rs))
}

func init() {
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd)
}
