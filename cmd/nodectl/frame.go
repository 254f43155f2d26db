package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	cobra "github.com/spf13/cobra"

	"lorawan-node/internal/frame"
	"lorawan-node/internal/reading"
	"lorawan-node/internal/sensor"
	"lorawan-node/internal/utils"
)

func newEncodeCommand() *cobra.Command {
	encodeCmd := &cobra.Command{
		Use:   "encode",
		Short: "Packs raw sensor values into an 8-byte uplink frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			device, _ := flags.GetUint32("device")
			wind, _ := flags.GetUint16("windspeed")
			temp, _ := flags.GetUint16("temperature")
			hum, _ := flags.GetUint8("humidity")

			printFrame(cmd.OutOrStdout(), frame.Encode(device, wind, temp, hum))
			return nil
		},
	}
	encodeCmd.Flags().Uint32("device", 0, "Sensor device id.")
	encodeCmd.Flags().Uint16("windspeed", 0, "Raw windspeed (km/h x10, 12 bits).")
	encodeCmd.Flags().Uint16("temperature", 500, "Raw temperature (°C x10 + 500, 12 bits).")
	encodeCmd.Flags().Uint8("humidity", 0, "Relative humidity in percent.")
	return encodeCmd
}

func newFuseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fuse <sample> <sample>",
		Short: "Validates two receiver samples (JSON) and prints the frame the node would send",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pair reading.Pair
			for i, arg := range args {
				var s sensor.Sample
				if err := json.Unmarshal([]byte(arg), &s); err != nil {
					return fmt.Errorf("sample %d: %w", i+1, err)
				}
				// The node never fuses a sample the receiver failed to decode.
				if s.OK != nil && !*s.OK {
					return fmt.Errorf("sample %d: %w", i+1, sensor.ErrDriver)
				}
				pair[i] = reading.Raw{DeviceID: s.ID, Kind: reading.Kind(s.Kind), TempWind: s.TempWind, Humidity: s.Humidity}
			}

			fused, err := reading.Fuse(pair)
			if err != nil {
				return err
			}
			printFrame(cmd.OutOrStdout(), frame.FromFused(fused))
			return nil
		},
	}
}

func newDecodeCommand() *cobra.Command {
	decodeCmd := &cobra.Command{
		Use:   "decode <payload>",
		Short: "Unpacks an uplink frame given as hex or base64",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parsePayload(args[0])
			if err != nil {
				return err
			}
			fields, err := frame.Decode(data)
			if err != nil {
				return err
			}
			m := fields.Measurement()

			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"device_id":     utils.Hex8(m.DeviceID),
					"temperature_c": m.TemperatureC,
					"humidity_pct":  m.HumidityPct,
					"wind_speed_ms": m.WindSpeedMs,
				})
			}
			fmt.Fprintf(out, "device_id:   %d (%s)\n", fields.DeviceID, utils.Hex8(fields.DeviceID))
			fmt.Fprintf(out, "humidity:    %d %%\n", fields.Humidity)
			fmt.Fprintf(out, "temperature: %d raw, %.2f °C\n", fields.Temperature, m.TemperatureC)
			fmt.Fprintf(out, "windspeed:   %d raw, %.2f m/s\n", fields.WindSpeed, m.WindSpeedMs)
			return nil
		},
	}
	decodeCmd.Flags().Bool("json", false, "Print the converted measurement as JSON.")
	return decodeCmd
}

// parsePayload accepts 16 hex digits (spaces allowed) or standard base64.
func parsePayload(s string) ([]byte, error) {
	compact := strings.Join(strings.Fields(s), "")
	if len(compact) == 2*frame.Size {
		if b, err := hex.DecodeString(compact); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("payload %q is neither hex nor base64", s)
	}
	return b, nil
}

func printFrame(w io.Writer, f frame.Frame) {
	fmt.Fprintf(w, "hex:    %s\n", utils.BytesToHex(f[:]))
	fmt.Fprintf(w, "base64: %s\n", base64.StdEncoding.EncodeToString(f[:]))
}
