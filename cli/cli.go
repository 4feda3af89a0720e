package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/client"
	"github.com/stevegt/ragchat/config"
	"github.com/stevegt/ragchat/core"
	"github.com/stevegt/ragchat/index"
	"github.com/stevegt/ragchat/kv"
	"github.com/stevegt/ragchat/persist"
	"github.com/stevegt/ragchat/retrieval"
	"github.com/stevegt/ragchat/server"
	"github.com/stevegt/ragchat/stream"
	"github.com/stevegt/ragchat/upload"
	"github.com/stevegt/ragchat/util"
	"github.com/stevegt/ragchat/window"
)

type cmdServe struct{}

// turnFlags are shared by chat and ask.
type turnFlags struct {
	Model    string `short:"m" help:"Model to use; defaults to RAGCHAT_MODEL."`
	Sysmsg   string `short:"s" help:"System directive; defaults to the first RAGCHAT_SYSMSGS entry."`
	Retrieve bool   `short:"r" help:"Search the uploaded documents and answer from them."`
	Category string `short:"c" default:"ALL" help:"Restrict the search to one document."`
	User     string `short:"u" help:"User id to record the conversation under; a new one is made if empty."`
	NoSave   bool   `short:"D" help:"Do not record the conversation on the daemon."`
}

// cmdChat reads one question per line from stdin.
type cmdChat struct {
	turnFlags `embed:""`
}

type cmdAsk struct {
	turnFlags `embed:""`
	Question  []string `arg:"" help:"Question to ask; use - to read it from stdin."`
}

type cmdUpload struct {
	Paths []string `arg:"" type:"path" help:"Files to upload (pdf, csv, xlsx, xls)."`
}

type cmdAdd struct {
	Category string   `short:"c" default:"local" help:"Category to store the documents under."`
	Paths    []string `arg:"" type:"path" help:"Text, markdown or csv files to index."`
}

type cmdCategories struct{}

type cmdConversations struct {
	User string `short:"u" required:"" help:"User id."`
}

type cmdMessages struct {
	ConversationID string `arg:"" help:"Conversation id."`
}

type cmdModels struct{}

type cmdTc struct{}

type cmdVersion struct{}

type cliArgs struct {
	Serve         cmdServe         `cmd:"" help:"Run the chat daemon."`
	Chat          cmdChat          `cmd:"" help:"Chat with the daemon; reads one question per line on stdin."`
	Ask           cmdAsk           `cmd:"" help:"Ask the daemon a single question."`
	Upload        cmdUpload        `cmd:"" help:"Upload documents to the daemon."`
	Add           cmdAdd           `cmd:"" help:"Index local text files directly into the database."`
	Categories    cmdCategories    `cmd:"" help:"List the document categories known to the daemon."`
	Conversations cmdConversations `cmd:"" help:"List a user's recorded conversations."`
	Messages      cmdMessages      `cmd:"" help:"Show the messages of a recorded conversation."`
	Models        cmdModels        `cmd:"" help:"List the model catalogue."`
	Tc            cmdTc            `cmd:"" help:"Calculate the token count of stdin."`
	Verbose       bool             `short:"v" help:"Show debug and progress information on stderr."`
	Version       cmdVersion       `cmd:"" help:"Show version of ragchat and its database."`
}

// CliConfig contains the configuration for the ragchat cli
type CliConfig struct {
	// Name is the name of the program
	Name string
	// Description is a short description of the program
	Description string
	// Version is the version of the program
	Version string
	// Exit is the function to call to exit the program
	Exit   func(int)
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewCliConfig returns a new Config struct with default values populated
func NewCliConfig() *CliConfig {
	return &CliConfig{
		Name:        "ragchat",
		Description: "Chat with a language model, optionally grounded in your uploaded documents.",
		Version:     server.Version,
		Exit:        func(i int) { os.Exit(i) },
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// Cli parses the given arguments and then executes the appropriate
// subcommand.
func Cli(args []string, config *CliConfig) (rc int, err error) {
	defer Return(&err)

	// capture goadapt stdio
	SetStdio(
		config.Stdin,
		config.Stdout,
		config.Stderr,
	)
	defer SetStdio(nil, nil, nil)

	options := []kong.Option{
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
		kong.Vars{
			"version": config.Version,
		},
	}

	var cli cliArgs
	parser, err := kong.New(&cli, options...)
	Ck(err)
	ctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Verbose {
		os.Setenv("DEBUG", "1")
	}

	cmd := ctx.Command()
	Debug("cmd: %s", cmd)

	cfg, err := loadConfig()
	Ck(err)

	sigctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = serve(sigctx, cfg)
		Ck(err)
	case "chat":
		err = chat(sigctx, cfg, cli.Chat.turnFlags, config)
		Ck(err)
	case "ask <question>":
		question := strings.Join(cli.Ask.Question, " ")
		if question == "-" {
			buf, err := io.ReadAll(config.Stdin)
			Ck(err)
			question = string(buf)
		}
		rc, err = ask(sigctx, cfg, cli.Ask.turnFlags, question, config)
		Ck(err)
	case "upload <paths>":
		rc = uploadFiles(sigctx, cfg, cli.Upload.Paths, config)
	case "add <paths>":
		err = addFiles(sigctx, cfg, cli.Add.Category, cli.Add.Paths, config)
		Ck(err)
	case "categories":
		cats, err := retrieval.NewClient(cfg.URL).Categories(sigctx)
		Ck(err)
		for _, c := range cats {
			Fpf(config.Stdout, "%s\n", c)
		}
	case "conversations":
		convs, err := persist.NewHTTPSink(cfg.URL).ListConversations(sigctx, cli.Conversations.User)
		Ck(err)
		for _, c := range convs {
			Fpf(config.Stdout, "%s  %s  %-14s %s\n", c.ConversationID, c.CreatedAt.Format("2006-01-02 15:04"), c.Model, c.Title)
		}
	case "messages <conversation-id>":
		msgs, err := persist.NewHTTPSink(cfg.URL).ListMessages(sigctx, cli.Messages.ConversationID)
		Ck(err)
		for _, m := range msgs {
			Fpf(config.Stdout, "%s:\n%s\n\n", m.Role, m.Content)
		}
	case "models":
		for _, m := range cfg.Models {
			mark := " "
			if m == cfg.Model {
				mark = "*"
			}
			Fpf(config.Stdout, "%s %s\n", mark, m)
		}
	case "tc":
		buf, err := io.ReadAll(config.Stdin)
		Ck(err)
		count, err := util.TokenCount(string(buf))
		Ck(err)
		Fpf(config.Stdout, "%d\n", count)
	case "version":
		Fpf(config.Stdout, "ragchat version %s\n", config.Version)
		Fpf(config.Stdout, "database version %s\n", persist.StoreVersion)
	default:
		Fpf(config.Stderr, "Error: unrecognized command: %s\n", cmd)
		rc = 1
	}
	return
}

// loadConfig is config.Load; Cli's config parameter shadows the package.
var loadConfig = config.Load

// openDB takes the exclusive database lock without waiting and opens
// the database.
func openDB(path string) (db *kv.Store, unlock func(), err error) {
	defer Return(&err)
	lock := flock.New(path + ".lock")
	Debug("locking %s...", path)
	locked, err := lock.TryLock()
	Ck(err)
	if !locked {
		return nil, nil, fmt.Errorf("%s is locked by another ragchat process", path)
	}
	db, err = kv.Open(path)
	if err != nil {
		lock.Unlock()
		return
	}
	unlock = func() {
		db.Close()
		Debug("unlocking %s", path)
		lock.Unlock()
	}
	return
}

func serve(ctx context.Context, cfg *config.Config) (err error) {
	defer Return(&err)
	Assert(cfg.APIKey != "", "OPENAI_API_KEY is not set")
	err = util.InitTokenizer()
	Ck(err)
	db, unlock, err := openDB(cfg.DB)
	Ck(err)
	defer unlock()
	store, err := persist.NewStore(db)
	Ck(err)
	idx, err := index.New(db, index.NewOpenAIEmbedder(cfg.APIKey))
	Ck(err)

	srv := server.New(server.Options{
		Config:   cfg,
		Upstream: stream.NewOpenAIStreamer(cfg.APIKey, cfg.BaseURL),
		Index:    idx,
		Sink:     store,
	})
	defer srv.Close()
	return srv.ListenAndServe(ctx)
}

func windowBudget(cfg *config.Config) window.Budget {
	return window.Budget{MaxMessages: cfg.MaxMessages, MaxTokens: cfg.MaxTokens}
}

// printer writes each assistant turn to w as it grows.
type printer struct {
	w       io.Writer
	turn    string
	printed int
}

func (p *printer) observe(snap core.Snapshot) {
	last := snap.Last()
	if last == nil || last.Role != client.RoleAssistant {
		return
	}
	if last.ID != p.turn {
		p.turn = last.ID
		p.printed = 0
	}
	if len(last.Content) > p.printed {
		Fpf(p.w, "%s", last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}

// newConversation wires a conversation to the daemon at cfg.URL.  The
// returned close func drains the recording queue.
func newConversation(cfg *config.Config, f turnFlags, config *CliConfig) (conv *core.Conversation, closer func(), err error) {
	sess := core.Session{
		Model:            cfg.Model,
		Directive:        f.Sysmsg,
		RetrievalEnabled: f.Retrieve,
		Category:         f.Category,
	}
	if f.Model != "" {
		if !cfg.HasModel(f.Model) {
			return nil, nil, fmt.Errorf("unknown model %q; see 'ragchat models'", f.Model)
		}
		sess.Model = f.Model
	}
	if sess.Directive == "" && len(cfg.Directives) > 0 {
		sess.Directive = cfg.Directives[0]
	}
	userID := f.User
	if userID == "" {
		userID = uuid.New().String()
	}

	p := &printer{w: config.Stdout}
	ccfg := core.Config{
		Streamer: stream.NewClient(cfg.URL + "/api/llm"),
		Search:   retrieval.NewClient(cfg.URL).Search,
		Budget:   windowBudget(cfg),
		UserID:   userID,
		Observer: p.observe,
		OnRetrievalError: func(err error) {
			Fpf(config.Stderr, "warning: %v; answering without document context\n", err)
		},
	}
	closer = func() {}
	if !f.NoSave {
		mirror := persist.NewMirror(persist.NewHTTPSink(cfg.URL), cfg.SinkQueue)
		name := os.Getenv("USER")
		if name == "" {
			name = "cli"
		}
		mirror.CreateUser(persist.User{UserID: userID, Username: name})
		ccfg.Recorder = mirror
		closer = mirror.Close
	}
	conv = core.NewConversation(ccfg, sess)
	return
}

// runTurn submits one question and finishes the printed answer.
func runTurn(ctx context.Context, conv *core.Conversation, question string, config *CliConfig) (err error) {
	err = conv.Submit(ctx, question)
	Fpf(config.Stdout, "\n")
	last := conv.Snapshot().Last()
	if last != nil && len(last.Sources) > 0 {
		paths := make([]string, len(last.Sources))
		for i, s := range last.Sources {
			paths[i] = s.Path
		}
		Fpf(config.Stderr, "sources: %s\n", strings.Join(paths, ", "))
	}
	if err != nil && last != nil && last.Err != "" && !strings.HasPrefix(last.Content, "Error: ") {
		Fpf(config.Stderr, "answer incomplete: %s\n", last.Err)
	}
	return
}

func ask(ctx context.Context, cfg *config.Config, f turnFlags, question string, config *CliConfig) (rc int, err error) {
	defer Return(&err)
	conv, closer, err := newConversation(cfg, f, config)
	Ck(err)
	defer closer()
	err = runTurn(ctx, conv, question, config)
	if err != nil {
		// the failure is already in the transcript
		Debug("ask: %v", err)
		return 1, nil
	}
	return
}

func chat(ctx context.Context, cfg *config.Config, f turnFlags, config *CliConfig) (err error) {
	defer Return(&err)
	conv, closer, err := newConversation(cfg, f, config)
	Ck(err)
	defer closer()
	scanner := bufio.NewScanner(config.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err = runTurn(ctx, conv, line, config)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			Debug("chat: %v", err)
		}
	}
	err = scanner.Err()
	Ck(err)
	if id := conv.ID(); id != "" {
		Fpf(config.Stderr, "conversation %s\n", id)
	}
	return nil
}

func uploadFiles(ctx context.Context, cfg *config.Config, paths []string, config *CliConfig) (rc int) {
	files := make([]upload.File, len(paths))
	for i, p := range paths {
		files[i] = upload.FileFromPath(p)
	}
	var mu sync.Mutex
	b := upload.Batch{
		Uploader: upload.NewHTTPUploader(cfg.URL),
		Workers:  cfg.UploadWorkers,
		OnProgress: func(o upload.Outcome) {
			mu.Lock()
			defer mu.Unlock()
			if o.Status == upload.Uploading {
				Fpf(config.Stderr, " uploading %s ...\n", o.Name)
			}
		},
	}
	report := b.Run(ctx, files)
	if report.Ignored != nil {
		Fpf(config.Stderr, "%v\n", report.Ignored)
	}
	for _, o := range report.Outcomes {
		if o.Err != nil {
			Fpf(config.Stdout, "%s: %s: %v\n", o.Name, o.Status, o.Err)
			continue
		}
		Fpf(config.Stdout, "%s: %s\n", o.Name, o.Status)
	}
	if len(report.Failed()) > 0 {
		rc = 1
	}
	return
}

// addFiles indexes local files without going through the daemon.
func addFiles(ctx context.Context, cfg *config.Config, category string, paths []string, config *CliConfig) (err error) {
	defer Return(&err)
	Assert(cfg.APIKey != "", "OPENAI_API_KEY is not set")
	db, unlock, err := openDB(cfg.DB)
	Ck(err)
	defer unlock()
	idx, err := index.New(db, index.NewOpenAIEmbedder(cfg.APIKey))
	Ck(err)
	return indexFiles(ctx, idx, category, paths, config)
}

func indexFiles(ctx context.Context, idx *index.Index, category string, paths []string, config *CliConfig) (err error) {
	defer Return(&err)
	for _, path := range paths {
		fh, err := os.Open(path)
		Ck(err)
		text, err := index.Extract(path, fh)
		fh.Close()
		Ck(err, "%s", path)
		name := filepath.Base(path)
		n, err := idx.Add(ctx, name, category, text)
		Ck(err, "%s", path)
		Fpf(config.Stderr, " added %s (%d chunks)\n", name, n)
	}
	return
}
