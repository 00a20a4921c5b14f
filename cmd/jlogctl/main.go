// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ichernetsky/jlog"
)

var (
	dataDir    = flag.String("dir", "./data", "Journal directory")
	logLevel   = flag.String("loglevel", "info", "Logging level")
	debug      = flag.Bool("debug", false, "Start on debug mode")
	unitLimit  = flag.Uint("unit_limit", jlog.DefaultUnitLimit, "Soft per-segment size cap in bytes")
	safety     = flag.String("safety", "synced", "Durability mode: fast or synced")
	subscriber = flag.String("subscriber", "", "Subscriber name, for read/add-subscriber/remove-subscriber")
	whence     = flag.String("whence", "begin", "Start position for add-subscriber: begin or end")
	aggressive = flag.Bool("aggressive", false, "Run directory repair in aggressive mode")
)

func main() {
	flag.Parse()

	ll, err := zerolog.ParseLevel(*logLevel)
	fatalOn(err)
	if *debug {
		ll = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(ll)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	args := flag.Args()
	if len(args) < 1 {
		fatalf("usage: jlogctl [flags] <init|write|read|add-subscriber|remove-subscriber|list-subscribers|repair>")
	}

	var cmdErr error
	switch cmd := args[0]; cmd {
	case "init":
		cmdErr = runInit()
	case "write":
		cmdErr = runWrite()
	case "read":
		cmdErr = runRead()
	case "add-subscriber":
		cmdErr = runAddSubscriber()
	case "remove-subscriber":
		cmdErr = runRemoveSubscriber()
	case "list-subscribers":
		cmdErr = runListSubscribers()
	case "repair":
		cmdErr = runRepair()
	default:
		fatalf("unknown command %q", cmd)
	}
	if cmdErr != nil {
		log.Fatal().Err(cmdErr).Msg("jlogctl: command failed")
	}
}

func safetyFlag() (jlog.Safety, error) {
	switch *safety {
	case "fast":
		return jlog.SafetyFast, nil
	case "synced":
		return jlog.SafetySynced, nil
	default:
		return 0, fmt.Errorf("unknown safety mode %q", *safety)
	}
}

func runInit() error {
	s, err := safetyFlag()
	if err != nil {
		return err
	}
	ctx, err := jlog.New(*dataDir, jlog.ModeInit, "",
		jlog.WithUnitLimit(uint32(*unitLimit)),
		jlog.WithSafety(s),
		jlog.WithLogger(log.Logger),
	)
	if err != nil {
		return err
	}
	defer ctx.Close()
	log.Info().Str("dir", *dataDir).Msg("journal initialized")
	return nil
}

// runWrite reads newline-delimited payloads from stdin and appends each
// as one record.
func runWrite() error {
	ctx, err := jlog.New(*dataDir, jlog.ModeAppend, "", jlog.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer ctx.Close()

	scanner := bufio.NewScanner(os.Stdin)
	var count int
	for scanner.Scan() {
		id, err := ctx.Write(scanner.Bytes())
		if err != nil {
			return err
		}
		count++
		log.Debug().Str("id", id.String()).Msg("wrote record")
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	log.Info().Int("count", count).Msg("write complete")
	return nil
}

// runRead streams every record available to *subscriber to stdout,
// advancing and persisting its checkpoint as it goes. With no -subscriber
// given it generates an ephemeral name, reads from the current tail
// forward, and deregisters itself on exit instead of leaving a checkpoint
// behind.
func runRead() error {
	name := *subscriber
	ephemeral := name == ""
	if ephemeral {
		name = jlog.NewSubscriberName()
	}

	writer, err := jlog.New(*dataDir, jlog.ModeAppend, "", jlog.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	if ephemeral {
		if err := writer.AddSubscriber(name, jlog.WhenceEnd); err != nil {
			writer.Close()
			return err
		}
		defer writer.RemoveSubscriber(name)
	}
	writer.Close()

	ctx, err := jlog.New(*dataDir, jlog.ModeRead, name, jlog.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer ctx.Close()

	cp, err := ctx.ReadCheckpoint()
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	const batch = 256
	for {
		records, err := ctx.ReadInterval(cp, jlog.ID{}, batch)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			fmt.Fprintf(out, "%s\t%s\n", rec.ID, rec.Payload)
			cp = rec.ID
		}
		if err := ctx.SetCheckpoint(cp); err != nil {
			return err
		}
	}
	return nil
}

func runAddSubscriber() error {
	if *subscriber == "" {
		return fmt.Errorf("-subscriber is required")
	}
	ctx, err := jlog.New(*dataDir, jlog.ModeAppend, "", jlog.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer ctx.Close()

	w := jlog.WhenceBegin
	if *whence == "end" {
		w = jlog.WhenceEnd
	}
	if err := ctx.AddSubscriber(*subscriber, w); err != nil {
		return err
	}
	log.Info().Str("subscriber", *subscriber).Msg("subscriber added")
	return nil
}

func runRemoveSubscriber() error {
	if *subscriber == "" {
		return fmt.Errorf("-subscriber is required")
	}
	ctx, err := jlog.New(*dataDir, jlog.ModeAppend, "", jlog.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer ctx.Close()

	if err := ctx.RemoveSubscriber(*subscriber); err != nil {
		return err
	}
	log.Info().Str("subscriber", *subscriber).Msg("subscriber removed")
	return nil
}

func runListSubscribers() error {
	ctx, err := jlog.New(*dataDir, jlog.ModeAppend, "", jlog.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer ctx.Close()

	subs, err := ctx.ListSubscribers()
	if err != nil {
		return err
	}
	for name, id := range subs {
		fmt.Printf("%s\t%s\n", name, id)
	}
	return nil
}

func runRepair() error {
	ctx, err := jlog.New(*dataDir, jlog.ModeAppend, "", jlog.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer ctx.Close()

	if err := ctx.RepairDirectory(*aggressive); err != nil {
		return err
	}
	log.Info().Bool("aggressive", *aggressive).Msg("repair complete")
	return nil
}

func fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf(format, args...)
}

func fatalOn(err error) {
	if err != nil {
		log.Fatal().Err(err).Send()
	}
}
