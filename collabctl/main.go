package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/collabdebug/collab/broker"
	"github.com/collabdebug/collab/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultApiUrl = "http://localhost:8080"
const DefaultBrokerUrl = "ws://localhost:8090"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab session control.

The default urls are:
    api_url: http://localhost:8080
    broker_url: ws://localhost:8090

Usage:
    collabctl register [--api_url=<api_url>]
        --user=<user>
        [--password=<password>]
    collabctl login [--api_url=<api_url>]
        --user=<user>
        [--password=<password>]
    collabctl create [--api_url=<api_url>] --jwt=<jwt> --name=<name>
    collabctl list [--api_url=<api_url>] --jwt=<jwt>
    collabctl join [--api_url=<api_url>] [--broker_url=<broker_url>] --jwt=<jwt>
        <session_id>
    collabctl serve [--port=<port>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --broker_url=<broker_url>
    --user=<user>
    --password=<password>
    --jwt=<jwt>                Your bearer JWT.
    --name=<name>              Session name.
    -p --port=<port>           Broker listen port [default: 8090].`

	// glog reads flags
	flag.CommandLine.Parse([]string{})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if register_, _ := opts.Bool("register"); register_ {
		register(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	return DefaultApiUrl
}

func brokerUrl(opts docopt.Opts) string {
	if brokerUrlAny := opts["--broker_url"]; brokerUrlAny != nil {
		return brokerUrlAny.(string)
	}
	return DefaultBrokerUrl
}

func password(opts docopt.Opts) string {
	if passwordAny := opts["--password"]; passwordAny != nil {
		return passwordAny.(string)
	}
	fmt.Print("Enter password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(passwordBytes)
}

func register(opts docopt.Opts) {
	api := collab.NewSessionApi(apiUrl(opts))
	defer api.Close()

	result, err := api.AuthRegisterSync(&collab.AuthRegisterArgs{
		UserName: opts["--user"].(string),
		Password: password(opts),
	})
	if err != nil {
		panic(err)
	}
	if result.Error != nil {
		panic(fmt.Errorf("%s", result.Error.Message))
	}
	Out.Printf("%s", result.Token)
}

func login(opts docopt.Opts) {
	api := collab.NewSessionApi(apiUrl(opts))
	defer api.Close()

	result, err := api.AuthLoginSync(&collab.AuthLoginArgs{
		UserName: opts["--user"].(string),
		Password: password(opts),
	})
	if err != nil {
		panic(err)
	}
	if result.Error != nil {
		panic(fmt.Errorf("%s", result.Error.Message))
	}
	Out.Printf("%s", result.Token)
}

func create(opts docopt.Opts) {
	api := collab.NewSessionApi(apiUrl(opts))
	defer api.Close()
	api.SetByJwt(opts["--jwt"].(string))

	result, err := api.CreateSessionSync(&collab.CreateSessionArgs{
		Name: opts["--name"].(string),
	})
	if err != nil {
		panic(err)
	}
	Out.Printf("%s", result.SessionId)
}

func list(opts docopt.Opts) {
	api := collab.NewSessionApi(apiUrl(opts))
	defer api.Close()
	api.SetByJwt(opts["--jwt"].(string))

	result, err := api.ListSessionsSync()
	if err != nil {
		panic(err)
	}
	for _, session := range result.Sessions {
		Out.Printf("%s %s owner=%s active=%t", session.SessionId, session.Name, session.OwnerId, session.Active)
	}
}

// minimal line oriented room:
//
//	/chat <text>   send a chat message
//	/lang <lang>   change the session language
//	/run           submit the document for execution
//	/stop          stop the execution container
//	/end           end the session (owner only)
//	/leave         leave the session
//
// any other line replaces the shared document with that line
func join(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionId, err := collab.ParseId(opts["<session_id>"].(string))
	if err != nil {
		panic(err)
	}

	api := collab.NewSessionApiWithContext(cancelCtx, apiUrl(opts))
	defer api.Close()
	byJwt := opts["--jwt"].(string)
	api.SetByJwt(byJwt)

	auth := &collab.ClientAuth{
		ByJwt:      byJwt,
		InstanceId: collab.NewId(),
		AppVersion: CollabCtlVersion,
	}

	client := collab.NewSessionClient(cancelCtx, api, brokerUrl(opts), auth)
	defer client.Close()

	chatCount := 0
	terminalCount := 0
	client.AddStateChangeListener(func(state *collab.SessionState) {
		for _, message := range state.Chat[chatCount:] {
			Out.Printf("[chat] %s: %s", message.SenderId, message.Text)
		}
		chatCount = len(state.Chat)
		for _, line := range state.Terminal[terminalCount:] {
			Out.Printf("[term] %s", line)
		}
		terminalCount = len(state.Terminal)
		if state.Lifecycle == collab.LifecycleEnded {
			Out.Printf("session ended by %s", state.EndedBy)
		}
	})

	if err := client.Join(sessionId); err != nil {
		panic(err)
	}

	state := client.State()
	Out.Printf("joined %s as %s (owner %s, %d participants)",
		sessionId, state.CurrentUserId, state.OwnerId, len(state.Participants))

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		var err error
		switch {
		case line == "/leave":
			client.Leave()
			return
		case line == "/end":
			err = client.End()
			if err == nil {
				return
			}
		case line == "/run":
			err = client.SubmitRun()
		case line == "/stop":
			err = client.SubmitStop()
		case strings.HasPrefix(line, "/chat "):
			err = client.SubmitChat(strings.TrimPrefix(line, "/chat "))
		case strings.HasPrefix(line, "/lang "):
			err = client.SetLanguage(strings.TrimPrefix(line, "/lang "))
		default:
			err = client.SubmitEdit(line)
		}
		if err != nil {
			Err.Printf("error: %s", err)
		}
	}
	client.Leave()
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifyCtx, stop := signal.NotifyContext(cancelCtx, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	b := broker.NewBroker(notifyCtx)
	defer b.Close()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: b.Router(),
	}

	go func() {
		defer cancel()
		Out.Printf("broker %s on *:%d", CollabCtlVersion, port)
		if err := server.ListenAndServe(); err != nil {
			Err.Printf("broker error: %s", err)
		}
	}()

	<-notifyCtx.Done()
	server.Shutdown(context.Background())
}
