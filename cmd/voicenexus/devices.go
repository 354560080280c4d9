package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicenexus/pkg/audio/portaudio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio devices usable as audio.input/output device_index",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		devices, err := portaudio.Devices()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tNAME\tHOST API\tIN\tOUT\tRATE")
		for _, d := range devices {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%.0f\n",
				d.Index, d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
		}
		return tw.Flush()
	},
}
