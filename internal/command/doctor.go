package command

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

func NewDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check storage, state store, model and LinkedIn connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a.Doctor(cmd.Context()))
		},
	}
}
