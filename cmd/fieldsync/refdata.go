package main

import (
	"context"
	"fmt"

	"fieldsync/internal/app"
	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"

	"github.com/spf13/cobra"
)

// refdata command
var refdataCmd = &cobra.Command{
	Use:   "refdata",
	Short: "Manage the local vehicle and permit holder snapshot",
}

func printRefresh(res fieldsync.RefreshResult) {
	if res.Cached {
		fmt.Printf("Snapshot is fresh (%d records), nothing fetched\n", res.RecordCount)
		return
	}
	fmt.Printf("Stored %d records\n", res.RecordCount)
}

var refdataSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the snapshot if it is stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		return withApp(cmd, "RefdataSync", func(ctx context.Context, a *app.FieldApp) error {
			res, err := a.SyncReference(ctx, force)
			if err != nil {
				return fmt.Errorf("reference sync failed: %w", err)
			}
			printRefresh(res)
			return nil
		})
	},
}

var refdataStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Describe the stored snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RefdataStatus", func(ctx context.Context, a *app.FieldApp) error {
			st, err := a.ReferenceStatus(ctx)
			if err != nil {
				return err
			}
			if !st.HasData {
				fmt.Println("No reference data stored.")
				return nil
			}
			fmt.Printf("Records:   %d\n", st.TotalRecords)
			fmt.Printf("Version:   %s\n", st.DataVersion)
			fmt.Printf("Last sync: %s\n", formatTime(st.LastSyncAt))
			fmt.Printf("Stale:     %v\n", st.IsStale)
			return nil
		})
	},
}

var refdataClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RefdataClear", func(ctx context.Context, a *app.FieldApp) error {
			if err := a.ClearReference(ctx); err != nil {
				return err
			}
			fmt.Println("Reference data cleared.")
			return nil
		})
	},
}

var refdataResyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Delete the snapshot and fetch a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RefdataResync", func(ctx context.Context, a *app.FieldApp) error {
			res, err := a.ResyncReference(ctx)
			if err != nil {
				return fmt.Errorf("reference resync failed: %w", err)
			}
			printRefresh(res)
			return nil
		})
	},
}

// lookup command
var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Find reference records",
}

func printVehicle(v *model.Vehicle) {
	fmt.Printf("Vehicle #%d  %s\n", v.ID, v.EquipNo)
	fmt.Printf("  %s, %s %s (%d)\n", v.Description, v.Manufacturer, v.UnitModel, v.Year)
	fmt.Printf("  Company: %s\n", v.Company)
	if v.CommissioningStatus != "" {
		fmt.Printf("  Commissioning: %s %s, expires %s\n", v.CommissioningStatus, v.CommissioningDate, v.ExpiredDate)
	}
}

func printPermitHolder(p *model.PermitHolder) {
	fmt.Printf("Permit holder #%d  %s\n", p.ID, p.Name)
	fmt.Printf("  %s  %s / %s\n", p.IDNumber, p.Company, p.Department)
	fmt.Printf("  Status: %s, expires %s\n", p.Status, p.ExpiredDate)
}

var lookupVehicleCmd = &cobra.Command{
	Use:   "vehicle EQUIP_NO",
	Short: "Find a vehicle by equipment number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "LookupVehicle", func(ctx context.Context, a *app.FieldApp) error {
			v, err := a.LookupVehicle(ctx, args[0])
			if err != nil {
				return err
			}
			if v == nil {
				fmt.Println("No matching vehicle.")
				return nil
			}
			printVehicle(v)
			return nil
		})
	},
}

var lookupPermitCmd = &cobra.Command{
	Use:   "permit NAME",
	Short: "Find a permit holder by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "LookupPermit", func(ctx context.Context, a *app.FieldApp) error {
			p, err := a.LookupPermitHolder(ctx, args[0])
			if err != nil {
				return err
			}
			if p == nil {
				fmt.Println("No matching permit holder.")
				return nil
			}
			printPermitHolder(p)
			return nil
		})
	},
}

var lookupScanCmd = &cobra.Command{
	Use:   "scan TEXT",
	Short: "Resolve a scanned code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "LookupScan", func(ctx context.Context, a *app.FieldApp) error {
			rec, err := a.ResolveScan(ctx, args[0])
			if err != nil {
				return err
			}
			switch {
			case rec == nil:
				fmt.Println("No matching record.")
			case rec.Kind == model.RecordVehicle:
				printVehicle(rec.Vehicle)
			default:
				printPermitHolder(rec.PermitHolder)
			}
			return nil
		})
	},
}

func init() {
	refdataCmd.AddCommand(refdataSyncCmd)
	refdataSyncCmd.Flags().BoolP("force", "f", false, "Fetch even if the snapshot is fresh")
	refdataCmd.AddCommand(refdataStatusCmd)
	refdataCmd.AddCommand(refdataClearCmd)
	refdataCmd.AddCommand(refdataResyncCmd)

	lookupCmd.AddCommand(lookupVehicleCmd)
	lookupCmd.AddCommand(lookupPermitCmd)
	lookupCmd.AddCommand(lookupScanCmd)
}
