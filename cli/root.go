package main

import (
	"context"
	"debug/elf"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/halfsync/dynld"
	"github.com/halfsync/dynld/elfimage"
	"github.com/halfsync/dynld/linker"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "dynld-inspect",
	Short:        "Load a shared library through the full link pipeline and inspect the result",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Trace symbol resolution decisions")
	rootCmd.AddCommand(neededCmd, symbolsCmd, mapCmd, dumpCmd)
}

// openThrough loads path and its dependency graph into a fresh linker
// instance and returns the facade for inspection.
func openThrough(path string) (*dynld.DL, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	space := linker.NewSparseSpace()
	d, err := dynld.New(dynld.Config{
		Space:  space,
		Env:    elfimage.OSEnvironment{},
		Images: elfimage.NewLoader(space),
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	if _, err := d.Open(context.Background(), path, dynld.BindNow); err != nil {
		if msg := d.LastError(); msg != "" {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, err
	}
	return d, nil
}

var neededCmd = &cobra.Command{
	Use:   "needed <shared library>",
	Short: "Print every dependency edge in the loaded graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openThrough(args[0])
		if err != nil {
			return err
		}
		for _, obj := range d.Objects() {
			if obj.Kind() == linker.KindSyntheticFacade {
				continue
			}
			for _, dep := range obj.Needed() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", obj.Name(), dep)
			}
		}
		return nil
	},
}

var symbolsCmd = &cobra.Command{
	Use:   "symbols <shared library>",
	Short: "Print every defined dynamic symbol with its runtime address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openThrough(args[0])
		if err != nil {
			return err
		}
		for _, obj := range d.Objects() {
			if obj.Kind() == linker.KindSyntheticFacade {
				continue
			}
			obj.Symbols(func(sym elf.Symbol, addr uint64) bool {
				fmt.Fprintf(cmd.OutOrStdout(), "%016x %6d %s (%s)\n", addr, sym.Size, sym.Name, obj.Name())
				return true
			})
		}
		return nil
	},
}

var mapCmd = &cobra.Command{
	Use:   "map <shared library>",
	Short: "Print the link map in load order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openThrough(args[0])
		if err != nil {
			return err
		}
		for _, obj := range d.Objects() {
			fmt.Fprintf(cmd.OutOrStdout(), "%016x %s (%d segments, entry %#x)\n", obj.Base(), obj.Name(), len(obj.Phdrs()), obj.Entry())
		}
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump <shared library>",
	Short: "Dump the in-memory object records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openThrough(args[0])
		if err != nil {
			return err
		}
		spew.Fdump(cmd.OutOrStdout(), d.Objects())
		return nil
	},
}
