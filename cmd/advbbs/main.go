package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"code.cloudfoundry.org/bytefmt"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/zvx-echo6/advbbs/internal/bbs"
	"github.com/zvx-echo6/advbbs/internal/bbserr"
	"github.com/zvx-echo6/advbbs/internal/config"
	"github.com/zvx-echo6/advbbs/internal/cryptoprim"
	"github.com/zvx-echo6/advbbs/internal/session"
	"github.com/zvx-echo6/advbbs/internal/store"
	"github.com/zvx-echo6/advbbs/internal/transport"
)

// loadConfig reads a YAML config file and fills in the operator passphrase
// from ADVBBS_PASSPHRASE, since Config.OperatorPassword is deliberately
// never serialized (spec.md §4.A: the passphrase must never touch disk).
func loadConfig(path string) (*config.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg := config.Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.OperatorPassword = os.Getenv("ADVBBS_PASSPHRASE")
	if err := config.Verify(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// deriveMasterKey opens the store just long enough to read its
// master-key salt (creating one on first run), derives the master key
// from cfg's passphrase, and closes the store again; bbs.New reopens it
// for the life of the process. Once a user exists, the derived key is
// checked against that user's wrapped key so a wrong passphrase fails
// here with bbserr.ErrWrongPassphrase rather than producing a running
// instance that can never decrypt anything (spec.md §4.A/§6).
func deriveMasterKey(cfg *config.Config, log *logrus.Entry) ([]byte, error) {
	s, err := store.Open(cfg.DatabasePath, cfg.KDF.SaltLen, log)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if err := s.CheckMasterSalt(); err != nil {
		return nil, err
	}
	salt, err := s.MasterSalt()
	if err != nil {
		return nil, err
	}
	masterKey := cryptoprim.DeriveMasterKey(cfg.OperatorPassword, salt, cfg.KDF)

	u, err := s.AnyUser()
	if errors.Is(err, bbserr.ErrNotFound) {
		return masterKey, nil
	}
	if err != nil {
		return nil, err
	}
	if err := cryptoprim.VerifyWrappedUserKey(masterKey, u.WrappedKey, u.Name); err != nil {
		return nil, err
	}
	return masterKey, nil
}

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	configFlag := &cli.StringFlag{
		Name:  "config",
		Value: "./advbbs.yaml",
		Usage: "path to the instance's YAML configuration",
	}

	app := &cli.App{
		Name:                 "advbbs",
		Usage:                "a store-and-forward bulletin board for low-bandwidth mesh radio networks",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the BBS, federating with configured peers over the mesh",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "listen", Value: ":4680", Usage: "local TCP address the loopback transport listens on"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					masterKey, err := deriveMasterKey(cfg, log)
					if err != nil {
						return err
					}

					adapter, err := transport.NewLoopbackAdapter(c.String("listen"), log)
					if err != nil {
						return err
					}
					for _, p := range cfg.Peers {
						if p.Enabled {
							adapter.RegisterPeer(p.NodeID, p.NodeID)
						}
					}

					instance, err := bbs.New(cfg, masterKey, adapter, log)
					if err != nil {
						return err
					}
					defer instance.Close()

					log.WithFields(logrus.Fields{
						"callsign":     cfg.Callsign,
						"listen":       c.String("listen"),
						"max_frame":    bytefmt.ByteSize(uint64(cfg.MaxFrameBytes)),
						"content_size": bytefmt.ByteSize(uint64(cfg.ContentSize())),
						"peers":        len(cfg.Peers),
					}).Info("advbbs: starting")

					ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
					defer stop()
					instance.Run(ctx)
					log.Info("advbbs: stopped")
					return nil
				},
			},
			{
				Name:      "adduser",
				Usage:     "register a new user from the operator console, bound to a given node id",
				ArgsUsage: "<name> <password> <node-id>",
				Flags:     []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					if c.NArg() != 3 {
						return fmt.Errorf("adduser requires <name> <password> <node-id>")
					}
					cfg, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					masterKey, err := deriveMasterKey(cfg, log)
					if err != nil {
						return err
					}
					s, err := store.Open(cfg.DatabasePath, cfg.KDF.SaltLen, log)
					if err != nil {
						return err
					}
					defer s.Close()

					sessions := session.New(s, cfg, masterKey, log)
					u, err := sessions.Register(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
					if err != nil {
						return err
					}
					fmt.Printf("registered %q bound to node %q\n", u.Name, c.Args().Get(2))
					return nil
				},
			},
			{
				Name:      "recover",
				Usage:     "issue a one-time recovery passphrase for a locked-out user",
				ArgsUsage: "<name>",
				Flags:     []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("recover requires <name>")
					}
					cfg, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					masterKey, err := deriveMasterKey(cfg, log)
					if err != nil {
						return err
					}
					s, err := store.Open(cfg.DatabasePath, cfg.KDF.SaltLen, log)
					if err != nil {
						return err
					}
					defer s.Close()

					sessions := session.New(s, cfg, masterKey, log)
					temp, err := sessions.Recover(c.Args().Get(0))
					if err != nil {
						return err
					}
					fmt.Printf("temporary passphrase for %q: %s\n", c.Args().Get(0), temp)
					return nil
				},
			},
			{
				Name:  "peers",
				Usage: "list configured federation peers and their health",
				Flags: []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					s, err := store.Open(cfg.DatabasePath, cfg.KDF.SaltLen, log)
					if err != nil {
						return err
					}
					defer s.Close()

					peers, err := s.AllPeers()
					if err != nil {
						return err
					}
					table := tablewriter.NewWriter(os.Stdout)
					table.SetHeader([]string{"Callsign", "Node ID", "Enabled", "Health", "Misses", "Latency"})
					for _, p := range peers {
						table.Append([]string{
							p.Callsign, p.NodeID, strconv.FormatBool(p.Enabled), string(p.Health),
							strconv.Itoa(p.TotalMisses), fmt.Sprintf("%dms", p.LatencyUs/1000),
						})
					}
					table.Render()
					return nil
				},
			},
			{
				Name:  "routes",
				Usage: "list the learned RAP route table",
				Flags: []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					s, err := store.Open(cfg.DatabasePath, cfg.KDF.SaltLen, log)
					if err != nil {
						return err
					}
					defer s.Close()

					routes, err := s.AllRoutes()
					if err != nil {
						return err
					}
					table := tablewriter.NewWriter(os.Stdout)
					table.SetHeader([]string{"Destination", "Hops", "Quality", "Expires (us)"})
					for _, r := range routes {
						table.Append([]string{
							r.Destination, strconv.Itoa(r.HopCount),
							strconv.FormatFloat(r.Quality, 'f', 2, 64), strconv.FormatInt(r.ExpiresAtUs, 10),
						})
					}
					table.Render()
					return nil
				},
			},
			{
				Name:  "boards",
				Usage: "list every board known to this instance",
				Flags: []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					s, err := store.Open(cfg.DatabasePath, cfg.KDF.SaltLen, log)
					if err != nil {
						return err
					}
					defer s.Close()

					boards, err := s.AllBoards()
					if err != nil {
						return err
					}
					table := tablewriter.NewWriter(os.Stdout)
					table.SetHeader([]string{"Name", "Type", "Synced", "Pending"})
					for _, b := range boards {
						table.Append([]string{
							b.Name, string(b.Type), strconv.FormatBool(b.Synced), strconv.Itoa(b.PendingCount),
						})
					}
					table.Render()
					return nil
				},
			},
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
