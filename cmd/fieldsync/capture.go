package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"fieldsync/internal/app"
	"fieldsync/internal/model"

	"github.com/spf13/cobra"
)

// inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Record inspections",
}

var inspectAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record an inspection and queue it for upload",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		ins := &model.Inspection{}
		ins.EquipNo, _ = f.GetString("equip")
		ins.VehicleID, _ = f.GetInt64("vehicle-id")
		ins.InspectorName, _ = f.GetString("inspector")
		ins.InspectionType, _ = f.GetString("type")
		ins.Status, _ = f.GetString("status")
		ins.StarRating, _ = f.GetInt("rating")
		ins.Notes, _ = f.GetString("notes")
		ins.OdometerReading, _ = f.GetInt64("odometer")
		ins.TireCondition, _ = f.GetString("tires")
		ins.BrakeCondition, _ = f.GetString("brakes")
		ins.LightsWorking, _ = f.GetBool("lights")
		ins.EngineCondition, _ = f.GetString("engine")
		ins.BodyCondition, _ = f.GetString("body")
		ins.InteriorCondition, _ = f.GetString("interior")
		ins.GPSLatitude, _ = f.GetFloat64("lat")
		ins.GPSLongitude, _ = f.GetFloat64("lon")

		ins.Status = strings.ToUpper(ins.Status)
		if !slices.Contains([]string{model.StatusPass, model.StatusModerate, model.StatusFailed}, ins.Status) {
			return fmt.Errorf("status must be PASS, MODERATE or FAILED, got %q", ins.Status)
		}
		if ins.StarRating < 1 || ins.StarRating > 5 {
			return fmt.Errorf("rating must be between 1 and 5")
		}
		if ins.EquipNo == "" && ins.VehicleID == 0 {
			return fmt.Errorf("--equip or --vehicle-id is required")
		}

		ins.InspectionDate = time.Now()
		if raw, _ := f.GetString("date"); raw != "" {
			d, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("parsing --date: %w", err)
			}
			ins.InspectionDate = d
		}

		return withApp(cmd, "InspectAdd", func(ctx context.Context, a *app.FieldApp) error {
			if ins.VehicleID == 0 && ins.EquipNo != "" {
				if v, err := a.LookupVehicle(ctx, ins.EquipNo); err == nil && v != nil {
					ins.VehicleID = v.ID
					ins.EquipNo = v.EquipNo
				}
			}
			if err := a.AddInspection(ctx, ins); err != nil {
				return err
			}
			fmt.Printf("Recorded inspection %s\n", ins.ID)
			return nil
		})
	},
}

// photo command
var photoCmd = &cobra.Command{
	Use:   "photo",
	Short: "Attach photos to inspections",
}

var photoAddCmd = &cobra.Command{
	Use:   "add INSPECTION_ID FILE",
	Short: "Attach a photo to a recorded inspection and queue it for upload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading photo: %w", err)
		}

		return withApp(cmd, "PhotoAdd", func(ctx context.Context, a *app.FieldApp) error {
			photo, err := a.AddPhoto(ctx, args[0], category, data)
			if err != nil {
				return err
			}
			fmt.Printf("Recorded photo %s (%s, %d bytes)\n", photo.ID, photo.MIME, len(photo.Data))
			return nil
		})
	},
}

func init() {
	f := inspectAddCmd.Flags()
	f.String("equip", "", "Equipment number")
	f.Int64("vehicle-id", 0, "Server vehicle ID")
	f.String("inspector", "", "Inspector name")
	f.String("type", "daily", "Inspection type")
	f.String("status", model.StatusPass, "PASS, MODERATE or FAILED")
	f.Int("rating", 5, "Star rating 1-5")
	f.String("notes", "", "Free-form notes")
	f.Int64("odometer", 0, "Odometer reading")
	f.String("tires", "", "Tire condition")
	f.String("brakes", "", "Brake condition")
	f.Bool("lights", true, "Lights working")
	f.String("engine", "", "Engine condition")
	f.String("body", "", "Body condition")
	f.String("interior", "", "Interior condition")
	f.Float64("lat", 0, "GPS latitude")
	f.Float64("lon", 0, "GPS longitude")
	f.String("date", "", "Inspection time, RFC 3339 (default now)")
	inspectAddCmd.MarkFlagRequired("inspector")
	inspectCmd.AddCommand(inspectAddCmd)

	photoAddCmd.Flags().StringP("category", "c", "general", "Photo category")
	photoCmd.AddCommand(photoAddCmd)
}
