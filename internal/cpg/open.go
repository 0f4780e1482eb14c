package cpg

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Backend modes.
const (
	ModeProcess = "process"
	ModeServer  = "server"
	ModeFile    = "file"
)

// OpenOptions describes how to reach and prepare the backend.
type OpenOptions struct {
	Mode string
	// Target is the source tree, a prebuilt graph, or in file mode a dump.
	Target         string
	Workspace      string
	Binary         string
	ServerURL      string
	MemoryLimit    string
	MinVersion     string
	CPGVar         string
	EnableCache    bool
	MaxCallDepth   int
	StartupTimeout time.Duration
	QueryTimeout   time.Duration
	Extractor      BodyExtractor
	Logger         hclog.Logger
}

// Open starts a backend session for the configured mode and loads the
// target into it.
func Open(ctx context.Context, o OpenOptions) (Backend, error) {
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.Binary == "" {
		o.Binary = "joern"
	}
	sopts := SessionOptions{
		Binary:         o.Binary,
		MemoryLimit:    o.MemoryLimit,
		ServerURL:      o.ServerURL,
		StartupTimeout: o.StartupTimeout,
		QueryTimeout:   o.QueryTimeout,
		Logger:         o.Logger.Named("session"),
	}
	gopts := GraphOptions{
		CPGVar:       o.CPGVar,
		EnableCache:  o.EnableCache,
		MaxCallDepth: o.MaxCallDepth,
		SourceRoot:   o.Target,
		Extractor:    o.Extractor,
		Logger:       o.Logger,
	}

	var session Session
	switch o.Mode {
	case ModeFile:
		d, err := LoadDump(o.Target)
		if err != nil {
			return nil, err
		}
		g, err := NewMemoryGraph(d)
		if err != nil {
			return nil, err
		}
		return g, nil
	case ModeServer:
		s, err := StartServerSession(ctx, sopts)
		if err != nil {
			return nil, err
		}
		session = s
	case ModeProcess, "":
		if v, err := CheckVersion(ctx, sopts.Binary, o.MinVersion); err != nil {
			return nil, err
		} else if v != "" {
			o.Logger.Info("graph backend version", "version", v)
		}
		s, err := StartProcessSession(ctx, sopts)
		if err != nil {
			return nil, err
		}
		session = s
	default:
		return nil, fmt.Errorf("unknown backend mode %q", o.Mode)
	}

	g := NewGraph(session, gopts)
	if err := g.Load(ctx, o.Target, o.Workspace); err != nil {
		session.Close() //nolint:errcheck
		return nil, fmt.Errorf("load target: %w", err)
	}
	return g, nil
}
