package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/modem"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/transport"
)

var errNothingDecoded = errors.New("no messages decoded")

// resolveProfile accepts a profile id or name; empty selects the configured profile
func resolveProfile(arg string, cfg *config.Config) (modem.Profile, error) {
	if arg == "" {
		return modem.ProfileByID(cfg.Modem.Profile)
	}
	if id, err := strconv.Atoi(arg); err == nil {
		return modem.ProfileByID(id)
	}
	return modem.ProfileByName(arg)
}

func newEncodeCmd(cfgFile *string) *cobra.Command {
	var (
		profileArg string
		out        string
		volume     float64
	)

	cmd := &cobra.Command{
		Use:   "encode TEXT",
		Short: "Write the waveform for TEXT to a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("volume") {
				cfg.Transport.Volume = volume
			}
			return encodeFile(cmd.OutOrStdout(), cfg, profileArg, args[0], out)
		},
	}

	cmd.Flags().StringVarP(&profileArg, "profile", "p", "", "Modem profile id or name (default from config)")
	cmd.Flags().StringVarP(&out, "out", "o", "soundlink.wav", "Output WAV file")
	cmd.Flags().Float64Var(&volume, "volume", 0.5, "Playback scale between 0 and 1")
	return cmd
}

func encodeFile(w io.Writer, cfg *config.Config, profileArg, text, out string) error {
	profile, err := resolveProfile(profileArg, cfg)
	if err != nil {
		return err
	}
	m, err := modem.NewFSK(profile, cfg.Transport.MaxPayloadLength)
	if err != nil {
		return err
	}

	// Rendering never plays, so a private air stands in for the device.
	dev := audio.NewAir(cfg.Transport.SamplesPerFrame, time.Hour).Attach()
	tr, err := transport.New(cfg, m, dev, slog.New(slog.DiscardHandler), nil)
	if err != nil {
		return err
	}
	defer tr.Close()

	samples, err := tr.Render(text)
	if err != nil {
		return err
	}
	if err := audio.WriteWAVFile(out, samples, modem.SampleRate); err != nil {
		return err
	}

	duration := time.Duration(len(samples)) * time.Second / modem.SampleRate
	fmt.Fprintf(w, "Wrote %s (%s, %d samples, %s)\n", out, profile.Name, len(samples), duration)
	return nil
}

func newDecodeCmd(cfgFile *string) *cobra.Command {
	var profileArg string

	cmd := &cobra.Command{
		Use:   "decode FILE",
		Short: "Decode every message in a WAV recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			return decodeFile(cmd.OutOrStdout(), cfg, profileArg, args[0])
		},
	}

	cmd.Flags().StringVarP(&profileArg, "profile", "p", "", "Modem profile id or name (default from config)")
	return cmd
}

func decodeFile(w io.Writer, cfg *config.Config, profileArg, path string) error {
	profile, err := resolveProfile(profileArg, cfg)
	if err != nil {
		return err
	}
	m, err := modem.NewFSK(profile, cfg.Transport.MaxPayloadLength)
	if err != nil {
		return err
	}

	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return err
	}
	if rate != modem.SampleRate {
		return fmt.Errorf("unsupported sample rate %d Hz (expected %d)", rate, modem.SampleRate)
	}

	texts, err := transport.DecodeRecording(cfg, m, samples)
	if err != nil {
		return err
	}
	if len(texts) == 0 {
		return errNothingDecoded
	}
	for _, text := range texts {
		fmt.Fprintln(w, text)
	}
	return nil
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the modem profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printProfiles(cmd.OutOrStdout())
		},
	}
}

func printProfiles(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBAND (Hz)\tTONES\tFRAMES/TX\tULTRASOUND")
	for _, p := range modem.Profiles() {
		fmt.Fprintf(tw, "%d\t%s\t%.0f-%.0f\t%d\t%d\t%s\n",
			p.ID, p.Name, p.BaseFrequency, p.MaxFrequency(), p.Tones, p.FramesPerTx,
			strings.ToLower(strconv.FormatBool(p.Ultrasound)))
	}
	return tw.Flush()
}
