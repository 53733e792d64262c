// Command sprintsync is a terminal planning-poker client. It joins (or
// creates) a room, keeps it synchronized over the relay and maps stdin
// commands onto room operations.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/sprintsync/internal/api"
	"github.com/dkeye/sprintsync/internal/channel"
	"github.com/dkeye/sprintsync/internal/config"
	"github.com/dkeye/sprintsync/internal/domain"
	"github.com/dkeye/sprintsync/internal/engine"
	"github.com/dkeye/sprintsync/internal/identity"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	roomID := pflag.String("room", "", "room id to join")
	create := pflag.Bool("create", false, "create the room before joining")
	roomName := pflag.String("name", "", "room name (with --create)")
	verbose := pflag.BoolP("verbose", "v", false, "verbose logging")
	pflag.Parse()

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "usage: sprintsync --room <id> [--create --name <room name>]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	ids := identity.NewStore(cfg.IdentityPath)
	client := api.NewClient(cfg.APIBaseURL)
	stdin := bufio.NewScanner(os.Stdin)

	id, haveIdentity := ids.Resolve()
	if *create {
		if !haveIdentity {
			id = promptIdentity(stdin, ids)
			haveIdentity = true
		}
		name := *roomName
		if name == "" {
			name = *roomID
		}
		if _, err := client.CreateRoom(ctx, api.CreateRoomRequest{
			RoomID:    *roomID,
			RoomName:  name,
			CreatedBy: string(id.ID),
		}); err != nil {
			log.Error().Err(err).Msg("room creation failed")
			os.Exit(1)
		}
		fmt.Printf("room %q created\n", *roomID)
	}

	ch := channel.New(channel.Options{
		URL:             cfg.RelayURL,
		HeartbeatPeriod: cfg.HeartbeatPeriod,
		MaxConnAge:      cfg.MaxConnAge,
		ReadLimit:       cfg.ReadLimit,
	})

	eng := engine.New(domain.RoomID(*roomID), ch, client, ids)
	eng.Start(ctx)

	go renderLoop(eng)

	// Joining without a stored identity: prompt now, the engine picks the
	// fresh identity up and announces it.
	if !haveIdentity {
		_ = promptIdentity(stdin, ids)
	}

	go func() {
		<-ctx.Done()
		// Page-unload analog: best-effort goodbye before the process dies.
		if cur, ok := ids.Resolve(); ok {
			ch.NotifyShutdown(cur)
		}
	}()

	commandLoop(ctx, stdin, eng)
}

func promptIdentity(stdin *bufio.Scanner, ids *identity.Store) domain.Identity {
	for {
		fmt.Print("Enter your name: ")
		if !stdin.Scan() {
			os.Exit(1)
		}
		id, err := ids.Create(stdin.Text())
		if err == nil {
			return id
		}
		fmt.Println("name cannot be empty")
	}
}

func commandLoop(ctx context.Context, stdin *bufio.Scanner, eng *engine.Engine) {
	fmt.Println("commands: start | vote <value> | reveal | next | skip | select <n> | add <description> | refresh | show | leave")
	for stdin.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")

		var err error
		switch cmd {
		case "start":
			err = eng.StartVoting()
		case "vote":
			err = eng.CastVote(strings.TrimSpace(rest))
		case "reveal":
			err = eng.RevealVotes()
		case "next":
			err = eng.NextStory()
		case "skip":
			err = eng.SkipStory()
		case "select":
			var n int
			if n, err = strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				err = eng.SelectStory(n - 1)
			}
		case "add":
			err = eng.AddStory(rest)
		case "refresh":
			err = eng.Refetch()
		case "show":
			printView(eng.View())
		case "leave", "quit", "exit":
			if err = eng.Leave(); err == nil {
				return
			}
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Println("error:", err)
		}
	}
}

func renderLoop(eng *engine.Engine) {
	for v := range eng.Subscribe() {
		if v.Lifecycle == engine.LifecycleReady {
			printView(v)
		} else {
			fmt.Printf("[%s]\n", v.Lifecycle)
			if v.Err != "" {
				fmt.Println("error:", v.Err)
			}
		}
	}
}

func printView(v engine.View) {
	fmt.Printf("\n== %s (%s) ==\n", v.RoomName, v.RoomID)
	for i, st := range v.Stories {
		marker := "  "
		if i == v.ActiveIndex {
			marker = "> "
		}
		extra := ""
		if st.FinalEstimate != "" {
			extra = " = " + st.FinalEstimate
		}
		fmt.Printf("%s%d. [%s] %s%s\n", marker, i+1, st.Status, st.Description, extra)
	}
	for _, p := range v.Participants {
		mark := " "
		if p.Voted {
			mark = "*"
		}
		fmt.Printf("   %s %s (%s)\n", mark, p.Name, p.Initials)
	}
	fmt.Printf("phase: %s", v.Phase)
	if v.SelectedEstimate != "" {
		fmt.Printf("  your vote: %s", v.SelectedEstimate)
	}
	fmt.Println()
	if v.Summary != nil {
		s := v.Summary
		fmt.Printf("results: avg %g | median %g | mode %s | range %s | consensus %s\n",
			s.Average, s.Median, s.Mode, s.Range, s.Consensus)
		for _, b := range s.Chart {
			fmt.Printf("   %s: %d\n", b.Estimate, b.Votes)
		}
	}
	if v.AllReviewed {
		fmt.Println("all stories reviewed")
	}
}
