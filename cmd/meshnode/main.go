package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/disastermesh/logger"
	"github.com/user/disastermesh/mesh"
	"github.com/user/disastermesh/radio"
	"github.com/user/disastermesh/util"
	"github.com/user/disastermesh/wire"
)

var (
	configPath string
	logLevel   string
)

func loadConfig() (*mesh.Config, error) {
	if configPath != "" {
		return mesh.LoadConfig(configPath)
	}
	cfg := mesh.DefaultConfig()
	return cfg, cfg.Normalize()
}

// newSimNode assembles one node over the simulated radio from the
// active config
func newSimNode(name string) (*mesh.Node, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = util.GetDataDir()
	}

	id, err := mesh.LoadOrGenerateNodeID(dataDir)
	if err != nil {
		return nil, err
	}

	hub := radio.NewHub(radio.DefaultSimulationConfig())
	transport := radio.NewSimTransport(hub, id, name, cfg.AdvertisePeriod)
	return mesh.NewNode(cfg, transport)
}

func main() {
	root := &cobra.Command{
		Use:   "meshnode",
		Short: "Disaster mesh relay node",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetLevel(logger.ParseLevel(logLevel))
			logger.EnableTimestamps(true)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "TRACE, DEBUG, INFO, WARN or ERROR")

	root.AddCommand(idCmd(), runCmd(), sendSOSCmd(), demoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// idCmd prints (creating if necessary) this host's node id
func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the persistent node id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			dataDir := cfg.DataDir
			if dataDir == "" {
				dataDir = util.GetDataDir()
			}

			id, err := mesh.LoadOrGenerateNodeID(dataDir)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

// runCmd brings up a single node over the simulated radio and serves
// until interrupted
func runCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a mesh node over the simulated radio until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := newSimNode(name)
			if err != nil {
				return err
			}
			if err := node.Start(); err != nil {
				return err
			}

			fmt.Printf("mesh node %s running, ctrl-c to stop\n", node.ID())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			stats := node.Statistics()
			if err := node.Stop(); err != nil {
				return err
			}
			fmt.Println(logger.ToJSON(stats))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "meshnode", "advertised display name")
	return cmd
}

// sendSOSCmd originates one SOS broadcast from this host's node. With
// no peers in range the datagram lands in the store-and-forward queue
// and is retried by the next run.
func sendSOSCmd() *cobra.Command {
	var (
		content string
		sosType string
		lat     float64
		lng     float64
	)

	cmd := &cobra.Command{
		Use:   "sendsos",
		Short: "Originate an SOS broadcast",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := newSimNode("meshnode")
			if err != nil {
				return err
			}
			if err := node.Start(); err != nil {
				return err
			}

			msgID, err := node.SendSOS(content, wire.Location{Lat: lat, Lng: lng}, sosType)
			if err != nil {
				node.Stop()
				return err
			}

			fmt.Println(msgID)
			if queued := node.Statistics().QueuedMessages; queued > 0 {
				fmt.Printf("no peers in range, %d message(s) queued for store-and-forward\n", queued)
			}
			return node.Stop()
		},
	}

	cmd.Flags().StringVar(&content, "content", "", "free-text emergency message")
	cmd.Flags().StringVar(&sosType, "type", "general", "SOS category tag")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.MarkFlagRequired("content")
	return cmd
}

// demoCmd runs a small mesh on the simulated radio and floods one SOS
// through it
func demoCmd() *cobra.Command {
	var (
		nodeCount int
		topology  string
		duration  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a simulated mesh and flood an SOS through it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			hub := radio.NewHub(radio.PerfectSimulationConfig())
			baseDir := util.SetRandom()

			nodes := make([]*mesh.Node, 0, nodeCount)
			for i := 0; i < nodeCount; i++ {
				nodeCfg := *cfg
				nodeCfg.DataDir = fmt.Sprintf("%s/node-%d", baseDir, i)

				id, err := mesh.LoadOrGenerateNodeID(nodeCfg.DataDir)
				if err != nil {
					return err
				}

				transport := radio.NewSimTransport(hub, id, fmt.Sprintf("node-%d", i), cfg.AdvertisePeriod)
				node, err := mesh.NewNode(&nodeCfg, transport)
				if err != nil {
					return err
				}
				if err := node.Start(); err != nil {
					return err
				}
				defer node.Stop()
				nodes = append(nodes, node)
			}

			switch topology {
			case "clique":
				hub.LinkAll()
			case "chain":
				for i := 0; i+1 < len(nodes); i++ {
					hub.Link(nodes[i].ID(), nodes[i+1].ID())
				}
			default:
				return fmt.Errorf("unknown topology %q", topology)
			}

			hub.PumpAdvertisements()

			id, err := nodes[0].SendSOS("demo flood", wire.Location{Lat: 37.77, Lng: -122.42}, "general")
			if err != nil {
				return err
			}
			fmt.Printf("SOS %s originated by %s\n", id, nodes[0].ID())

			time.Sleep(duration)

			for _, node := range nodes {
				stats := node.Statistics()
				fmt.Printf("node %s: peers=%d delivered=%d relayed=%d dropped_dup=%d\n",
					stats.NodeID[:8], stats.PeerCount,
					stats.Counters[mesh.CounterDelivered],
					stats.Counters[mesh.CounterRelayed],
					stats.Counters[mesh.CounterDropDuplicate])
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&nodeCount, "nodes", 5, "number of simulated nodes")
	cmd.Flags().StringVar(&topology, "topology", "clique", "clique or chain")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "how long to let the mesh settle")
	return cmd
}
