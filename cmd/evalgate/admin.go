package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func pricingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pricing",
		Short: "Seed configured model pricing into storage and list it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 0)
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			prices, err := st.ListPricing(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tINPUT $/M\tOUTPUT $/M")
			for _, p := range prices {
				fmt.Fprintf(tw, "%s\t%.4f\t%.4f\n", p.ModelID, p.InputCostPerMillionTokens, p.OutputCostPerMillionTokens)
			}
			return tw.Flush()
		},
	}
}

func creditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant user credits",
	}

	grant := &cobra.Command{
		Use:   "grant USER AMOUNT",
		Short: "Add credits to a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q is not an integer", args[1])
			}
			description, _ := cmd.Flags().GetString("description")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 0)
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.GrantCredits(ctx, args[0], amount, description); err != nil {
				return err
			}
			balance, err := st.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
			return nil
		},
	}
	grant.Flags().String("description", "Manual grant", "Ledger description")

	balance := &cobra.Command{
		Use:   "balance USER",
		Short: "Print a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 0)
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			b, err := st.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], b)
			return nil
		},
	}

	cmd.AddCommand(grant, balance)
	return cmd
}
