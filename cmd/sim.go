// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/gopacket/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"github.com/simplestaking/bpf-firewall/internal/config"
	"github.com/simplestaking/bpf-firewall/internal/ebpf/types"
	"github.com/simplestaking/bpf-firewall/internal/firewall/classifier"
	"github.com/simplestaking/bpf-firewall/internal/firewall/consumer"
	"github.com/simplestaking/bpf-firewall/internal/firewall/pow"
	"github.com/simplestaking/bpf-firewall/internal/firewall/store"
	"github.com/simplestaking/bpf-firewall/internal/logging"
	"github.com/simplestaking/bpf-firewall/internal/metrics"
)

var (
	simTarget      float64
	simFilterPorts []uint
)

var simCmd = &cobra.Command{
	Use:   "sim <pcap-file>",
	Short: "Replay a pcap through the classifier without loading any XDP program",
	Long: `sim runs the userspace rendition of the packet classifier over in-memory
maps, feeding events straight into the consumer. It answers "what would the
firewall have done with this capture" without root, a kernel or a device.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSim(args[0], cmd.OutOrStdout())
	},
}

func runSim(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read pcap %s: %w", path, err)
	}

	log := logging.New(logging.Config{Level: "info", Output: os.Stderr})
	m := metrics.New()

	maps := store.NewMemoryMaps()
	st := store.New(maps, log, m)
	for _, port := range simFilterPorts {
		if port > 0xffff {
			return fmt.Errorf("invalid port %d", port)
		}
		if err := st.FilterLocalPort(uint16(port)); err != nil {
			return err
		}
	}

	// Events flow synchronously: each frame's events are consumed before
	// the next frame is classified, like a quiet perf buffer.
	cons := consumer.New(st, pow.NewValidator(simTarget), log, m)
	cls := classifier.New(maps, func(ev types.Event) {
		record := ev.Encode()
		cons.HandleBatch(consumer.Batch{
			Source:  consumer.EventSourceName,
			Records: [][]byte{record[:]},
		})
	})

	var frame, pass, drop int
	for {
		data, _, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read packet %d: %w", frame+1, err)
		}
		frame++

		verdict := cls.Classify(data)
		if verdict == classifier.Drop {
			drop++
		} else {
			pass++
		}
		fmt.Fprintf(out, "#%d %s\n", frame, verdict)
	}

	fmt.Fprintf(out, "frames=%d pass=%d drop=%d\n", frame, pass, drop)
	return nil
}

func init() {
	simCmd.Flags().Float64VarP(&simTarget, "target", "t", config.DefaultTarget,
		"required proof of work complexity")
	simCmd.Flags().UintSliceVar(&simFilterPorts, "filter-port", nil,
		"local ports to treat as node traffic")
	rootCmd.AddCommand(simCmd)
}
