// Command kvsctl is a diagnostics and simulation tool for the store: it can
// mount a file-backed partition image to get or put a key or print its
// occupancy stats, or drive a scripted sequence of puts against a fresh
// in-RAM partition and print the resulting occupancy stats.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	pigweed "github.com/viperasi/pigweed"
	"github.com/viperasi/pigweed/partition"
)

func main() {
	app := &cli.Command{
		Name:  "kvsctl",
		Usage: "inspect and simulate the flash-backed key/value store",
		Commands: []*cli.Command{
			{
				Name:   "simulate",
				Usage:  "run a scripted sequence of puts against a fresh in-RAM partition",
				Action: simulate,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "sectors", Value: 8},
					&cli.UintFlag{Name: "sector-size", Value: 4096},
					&cli.UintFlag{Name: "alignment", Value: 16},
					&cli.IntFlag{Name: "puts", Value: 100},
				},
			},
			{
				Name:   "stats",
				Usage:  "mount a fresh in-RAM partition and print occupancy stats",
				Action: stats,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "sectors", Value: 8},
					&cli.UintFlag{Name: "sector-size", Value: 4096},
				},
			},
			{
				Name:   "mount",
				Usage:  "mount a partition image file and print its occupancy stats",
				Action: mountImage,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "image", Required: true},
					&cli.UintFlag{Name: "sector-size", Value: 4096},
					&cli.UintFlag{Name: "alignment", Value: 16},
					&cli.BoolFlag{Name: "create"},
					&cli.IntFlag{Name: "sectors", Value: 8},
				},
			},
			{
				Name:   "get",
				Usage:  "mount a partition image and print the value stored under a key",
				Action: get,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "image", Required: true},
					&cli.UintFlag{Name: "sector-size", Value: 4096},
					&cli.UintFlag{Name: "alignment", Value: 16},
					&cli.StringFlag{Name: "key", Required: true},
				},
			},
			{
				Name:   "put",
				Usage:  "mount a partition image and write a key/value pair into it",
				Action: put,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "image", Required: true},
					&cli.UintFlag{Name: "sector-size", Value: 4096},
					&cli.UintFlag{Name: "alignment", Value: 16},
					&cli.BoolFlag{Name: "create"},
					&cli.IntFlag{Name: "sectors", Value: 8},
					&cli.StringFlag{Name: "key", Required: true},
					&cli.StringFlag{Name: "value", Required: true},
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openSimulated(cmd *cli.Command) (*pigweed.Store, error) {
	sectors := cmd.Int("sectors")
	sectorSize := uint32(cmd.Uint("sector-size"))
	alignment := uint32(cmd.Uint("alignment"))
	if alignment == 0 {
		alignment = 16
	}

	p := partition.NewMemory(int(sectors), sectorSize, alignment)
	s, err := pigweed.Open(p)
	if err != nil && !errors.Is(err, pigweed.ErrDataLoss) {
		return nil, errors.Wrap(err, "mount failed")
	}
	return s, nil
}

// openImage opens (or, when create is set, creates) a file-backed partition
// image at path and mounts a Store over it. The caller owns the returned
// *partition.File and must Close it once done.
func openImage(path string, sectorSize, alignment uint32, sectors int, create bool) (*pigweed.Store, *partition.File, error) {
	if alignment == 0 {
		alignment = 16
	}

	var p *partition.File
	var err error
	if create {
		p, err = partition.CreateFile(path, sectors, sectorSize, alignment)
	} else {
		p, err = partition.OpenFile(path, sectorSize, alignment)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening partition image")
	}

	s, err := pigweed.Open(p)
	if err != nil && !errors.Is(err, pigweed.ErrDataLoss) {
		_ = p.Close()
		return nil, nil, errors.Wrap(err, "mount failed")
	}
	return s, p, nil
}

func simulate(ctx context.Context, cmd *cli.Command) error {
	s, err := openSimulated(cmd)
	if err != nil {
		return err
	}

	n := int(cmd.Int("puts"))
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%d", i%32))
		value := []byte(fmt.Sprintf("value-%d", i))
		if err := s.Put(key, value); err != nil {
			return errors.Wrapf(err, "put %d failed", i)
		}
	}

	printStats(s)
	return nil
}

func stats(ctx context.Context, cmd *cli.Command) error {
	s, err := openSimulated(cmd)
	if err != nil {
		return err
	}
	printStats(s)
	return nil
}

func mountImage(ctx context.Context, cmd *cli.Command) error {
	s, p, err := openImage(
		cmd.String("image"),
		uint32(cmd.Uint("sector-size")),
		uint32(cmd.Uint("alignment")),
		int(cmd.Int("sectors")),
		cmd.Bool("create"),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Printf("mounted %s: ", cmd.String("image"))
	printStats(s)
	return nil
}

func get(ctx context.Context, cmd *cli.Command) error {
	s, p, err := openImage(
		cmd.String("image"),
		uint32(cmd.Uint("sector-size")),
		uint32(cmd.Uint("alignment")),
		0,
		false,
	)
	if err != nil {
		return err
	}
	defer p.Close()

	buf := make([]byte, 4096)
	n, err := s.Get([]byte(cmd.String("key")), buf, 0)
	if err != nil {
		return errors.Wrap(err, "get failed")
	}
	fmt.Println(string(buf[:n]))
	return nil
}

func put(ctx context.Context, cmd *cli.Command) error {
	s, p, err := openImage(
		cmd.String("image"),
		uint32(cmd.Uint("sector-size")),
		uint32(cmd.Uint("alignment")),
		int(cmd.Int("sectors")),
		cmd.Bool("create"),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := s.Put([]byte(cmd.String("key")), []byte(cmd.String("value"))); err != nil {
		return errors.Wrap(err, "put failed")
	}
	return nil
}

func printStats(s *pigweed.Store) {
	st := s.Stats()
	fmt.Printf("sectors=%d empty=%d keys=%d/%d valid=%d recoverable=%d writable=%d last_txn=%d\n",
		st.Sectors, st.EmptySectors, st.Keys, st.KeyCapacity, st.ValidBytes, st.RecoverableBytes, st.WritableBytes, st.LastTxnID)
}
