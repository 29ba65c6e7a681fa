package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

var scoresCmd = &cobra.Command{
	Use:   "scores",
	Short: "Dump the dynamic snitch score map",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/admin/v1/scores", nil)
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var timingsCmd = &cobra.Command{
	Use:   "timings <host:port>",
	Short: "Dump the sampled latencies for one host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/admin/v1/timings/"+args[0], nil)
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var intervalsCmd = &cobra.Command{
	Use:   "intervals",
	Short: "Dump the failure detector's inter-arrival intervals",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/admin/v1/intervals", nil)
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var downtimeCmd = &cobra.Command{
	Use:   "downtime <host:port>",
	Short: "Show how long an endpoint has been unreachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/admin/v1/downtime/"+args[0], nil)
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var generationCmd = &cobra.Command{
	Use:   "generation <host:port>",
	Short: "Show an endpoint's current generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/admin/v1/generation/"+args[0], nil)
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "Dump every endpoint's full gossip state",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/admin/v1/states", nil)
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var simpleStatesCmd = &cobra.Command{
	Use:   "simple-states",
	Short: "Show every endpoint as UP or DOWN",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/admin/v1/simple-states", nil)
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var phiThresholdCmd = &cobra.Command{
	Use:   "phi-threshold [value]",
	Short: "Show or set the phi convict threshold",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			data, err := call(http.MethodGet, "/admin/v1/phi-threshold", nil)
			if err != nil {
				return err
			}
			printBody(cmd, data)
			return nil
		}
		threshold, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("failed to parse threshold: %w", err)
		}
		data, err := call(http.MethodPut, "/admin/v1/phi-threshold", map[string]float64{"threshold": threshold})
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var severityCmd = &cobra.Command{
	Use:   "severity <value>",
	Short: "Set the local node's gossiped severity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		severity, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("failed to parse severity: %w", err)
		}
		data, err := call(http.MethodPut, "/admin/v1/severity", map[string]float64{"severity": severity})
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var assassinateCmd = &cobra.Command{
	Use:   "assassinate <host:port>",
	Short: "Force a LEFT status for an endpoint, removing it from the ring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodPost, "/admin/v1/assassinate/"+args[0], nil)
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}

var replicasCmd = &cobra.Command{
	Use:   "replicas <key>",
	Short: "Name the replica set for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/admin/v1/replicas/"+args[0], nil)
		if err != nil {
			return err
		}
		printBody(cmd, data)
		return nil
	},
}
