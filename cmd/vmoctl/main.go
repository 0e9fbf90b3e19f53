// cmd/vmoctl/main.go
//
// vmoctl - interactive inspector for the copy-on-write paged-object engine.
//
// Usage:
//
//	vmoctl [--store=path] [command args...]
//
// With a command, runs it once and exits; with none, starts an interactive
// session. Enter "help" for the available commands
// (create, clone, supply, fault, inspect, list, exit). With --store, supplied
// pages are backed by a memory-mapped file at path instead of plain process
// memory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"cowvmo/pkg/vmoctl"
)

func main() {
	storePath := flag.String("store", "", "back supplied pages with a memory-mapped file at this path instead of plain process memory")
	flag.Parse()
	os.Args = append([]string{os.Args[0]}, flag.Args()...)

	app := kingpin.New("vmoctl", "Interactive inspector for the copy-on-write paged-object engine.")
	app.Terminate(func(int) {}) // a REPL must never exit the process on a bad line

	createCmd := app.Command("create", "Create a fresh root object.")
	createName := createCmd.Arg("name", "object name").Required().String()
	createSize := createCmd.Arg("size", "size in bytes, page aligned").Required().Uint64()

	cloneCmd := app.Command("clone", "Derive a new object from an existing one.")
	cloneParent := cloneCmd.Arg("parent", "parent object name").Required().String()
	cloneKind := cloneCmd.Arg("kind", "snapshot | uow | slice").Required().String()
	cloneOffset := cloneCmd.Arg("offset", "offset into the parent").Required().Uint64()
	cloneLength := cloneCmd.Arg("length", "length of the cloned window").Required().Uint64()
	cloneName := cloneCmd.Arg("name", "name for the new object").Required().String()

	supplyCmd := app.Command("supply", "Write page content directly, as a page-source fill would.")
	supplyName := supplyCmd.Arg("name", "object name").Required().String()
	supplyOffset := supplyCmd.Arg("offset", "page-aligned offset").Required().Uint64()
	supplyData := supplyCmd.Arg("data", "content to write (at most one page; zero-padded to a full page)").Required().String()

	faultCmd := app.Command("fault", "Drive a read or write fault through the lookup cursor.")
	faultName := faultCmd.Arg("name", "object name").Required().String()
	faultOffset := faultCmd.Arg("offset", "page-aligned offset").Required().Uint64()
	faultWrite := faultCmd.Flag("write", "fault for a write instead of a read").Bool()

	inspectCmd := app.Command("inspect", "Print an object's composition and lifecycle state.")
	inspectName := inspectCmd.Arg("name", "object name").Required().String()

	listCmd := app.Command("list", "List every object registered this session.")
	exitCmd := app.Command("exit", "End the session.")

	var session *vmoctl.Session
	if *storePath != "" {
		var err error
		session, err = vmoctl.NewSessionWithMmapStorage(*storePath, 1024)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		defer session.Close()
	} else {
		session = vmoctl.NewSession()
	}
	ctx := context.Background()

	run := func(args []string) bool {
		cmd, err := app.Parse(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return false
		}
		switch cmd {
		case createCmd.FullCommand():
			err = session.Create(*createName, *createSize)
		case cloneCmd.FullCommand():
			err = session.Clone(*cloneParent, *cloneKind, *cloneOffset, *cloneLength, *cloneName)
		case supplyCmd.FullCommand():
			err = session.Supply(ctx, *supplyName, *supplyOffset, []byte(*supplyData))
		case faultCmd.FullCommand():
			var frame uint64
			frame, err = session.Fault(ctx, *faultName, *faultOffset, *faultWrite)
			if err == nil {
				fmt.Printf("frame=%d\n", frame)
			}
		case inspectCmd.FullCommand():
			var report string
			report, err = session.Inspect(*inspectName)
			if err == nil {
				fmt.Println(report)
			}
		case listCmd.FullCommand():
			for _, name := range session.Names() {
				fmt.Println(name)
			}
		case exitCmd.FullCommand():
			return true
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return false
	}

	// A single process invocation with real arguments runs one command and
	// exits; with none, it drops into an interactive loop over stdin.
	if len(os.Args) > 1 {
		run(os.Args[1:])
		return
	}

	fmt.Println("vmoctl interactive session. Enter \"exit\" to quit.")
	lines := vmoctl.NewLineReader(os.Stdin, os.Stdout, "vmoctl> ")
	for {
		line, eof := lines.ReadLine()
		if strings.TrimSpace(line) != "" {
			if done := run(strings.Fields(line)); done {
				break
			}
		}
		if eof {
			break
		}
	}
}
