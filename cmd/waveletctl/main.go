package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/devrev/waveletd/internal/client"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/signing"
	"github.com/devrev/waveletd/internal/version"
	"github.com/devrev/waveletd/internal/wire"
)

const WaveletCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime)
}

func main() {
	usage := `Wavelet server control.

Submissions target the current version of the wavelet. A new wavelet is
created by the first submission to it.

Usage:
    waveletctl submit [--addr=<addr>] --wave=<wave_id> --wavelet=<wavelet_id>
        --author=<participant>
        [--add=<participant>...] [--remove=<participant>...]
        [--insert=<text>] [--blip=<blip_id>] [--pos=<pos>]
        [--seed=<seed_hex>] [--timeout=<timeout>]
    waveletctl history [--addr=<addr>] --wave=<wave_id> --wavelet=<wavelet_id>
        [--page=<page_size>] [--timeout=<timeout>]
    waveletctl snapshot [--addr=<addr>] --wave=<wave_id> --wavelet=<wavelet_id>
        [--timeout=<timeout>]
    waveletctl lookup [--addr=<addr>] --wave=<wave_id> [--timeout=<timeout>]
    waveletctl delete [--addr=<addr>] --wave=<wave_id> --wavelet=<wavelet_id>
        [--timeout=<timeout>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --addr=<addr>              Server address [default: localhost:50061].
    --wave=<wave_id>           Wave id, "domain!id".
    --wavelet=<wavelet_id>     Wavelet id, "domain!id".
    --author=<participant>     Author of the delta, "user@domain".
    --add=<participant>        Participant to add.
    --remove=<participant>     Participant to remove.
    --insert=<text>            Text to insert into a blip.
    --blip=<blip_id>           Blip to edit [default: b+main].
    --pos=<pos>                Insert position [default: 0].
    --seed=<seed_hex>          Sign the delta with this ed25519 seed.
    --page=<page_size>         Deltas per history request [default: 100].
    --timeout=<timeout>        Request timeout [default: 30s].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WaveletCtlVersion)
	if err != nil {
		panic(err)
	}

	addr, _ := opts.String("--addr")
	c, err := client.NewWaveletClient(addr, zap.NewNop())
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer c.Close()

	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		Err.Fatalf("invalid --timeout: %s", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if submit_, _ := opts.Bool("submit"); submit_ {
		err = submit(ctx, c, opts)
	} else if history_, _ := opts.Bool("history"); history_ {
		err = history(ctx, c, opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		err = snapshot(ctx, c, opts)
	} else if lookup_, _ := opts.Bool("lookup"); lookup_ {
		err = lookup(ctx, c, opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		err = deleteWavelet(ctx, c, opts)
	}
	if err != nil {
		Err.Fatalf("%s", err)
	}
}

func waveletName(opts docopt.Opts) model.WaveletName {
	waveID, _ := opts.String("--wave")
	waveletID, _ := opts.String("--wavelet")
	return model.NewWaveletName(waveID, waveletID)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	Out.Printf("%s", out)
	return nil
}

// currentVersion returns the version a new delta should target
func currentVersion(ctx context.Context, c *client.WaveletClient, name model.WaveletName) (model.HashedVersion, error) {
	snap, _, err := c.Snapshot(ctx, name)
	if status.Code(err) == codes.NotFound {
		return version.NewFactory().VersionZero(name), nil
	}
	if err != nil {
		return model.HashedVersion{}, err
	}
	return snap.Version, nil
}

func submit(ctx context.Context, c *client.WaveletClient, opts docopt.Opts) error {
	name := waveletName(opts)
	author, _ := opts.String("--author")

	var ops []model.WaveletOperation
	adds, _ := opts["--add"].([]string)
	removes, _ := opts["--remove"].([]string)
	for _, p := range adds {
		ops = append(ops, model.WaveletOperation{Type: model.OpAddParticipant, Participant: model.ParticipantID(p)})
	}
	for _, p := range removes {
		ops = append(ops, model.WaveletOperation{Type: model.OpRemoveParticipant, Participant: model.ParticipantID(p)})
	}
	if text, err := opts.String("--insert"); err == nil && text != "" {
		blip, _ := opts.String("--blip")
		posStr, _ := opts.String("--pos")
		pos, err := strconv.Atoi(posStr)
		if err != nil {
			return fmt.Errorf("invalid --pos: %w", err)
		}
		ops = append(ops, model.WaveletOperation{Type: model.OpBlipInsert, BlipID: blip, Position: pos, Text: text})
	}
	if len(ops) == 0 {
		return fmt.Errorf("nothing to submit, give --add, --remove or --insert")
	}

	target, err := currentVersion(ctx, c, name)
	if err != nil {
		return err
	}

	signed := &model.SignedDelta{Delta: wire.EncodeDelta(&model.WaveletDelta{
		Author:        model.ParticipantID(author),
		TargetVersion: target,
		Ops:           ops,
	})}
	if seed, err := opts.String("--seed"); err == nil && seed != "" {
		signer, err := signing.NewEd25519SignerFromHex(seed)
		if err != nil {
			return err
		}
		if signed.Signatures, err = signer.Sign(signed.Delta); err != nil {
			return err
		}
	}

	resp, err := c.SubmitWithRetry(ctx, name, signed, 3, time.Second)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"operations_applied":    resp.OperationsApplied,
		"resulting_version":     resp.ResultingVersion.Model().String(),
		"application_timestamp": resp.ApplicationTimestamp,
		"outcome":               resp.Outcome,
	})
}

type historyEntry struct {
	AppliedAt  uint64   `json:"applied_at"`
	Operations int      `json:"operations"`
	Timestamp  int64    `json:"timestamp"`
	Author     string   `json:"author"`
	Ops        []string `json:"ops"`
}

func history(ctx context.Context, c *client.WaveletClient, opts docopt.Opts) error {
	name := waveletName(opts)
	pageStr, _ := opts.String("--page")
	page, err := strconv.Atoi(pageStr)
	if err != nil {
		return fmt.Errorf("invalid --page: %w", err)
	}

	end, err := currentVersion(ctx, c, name)
	if err != nil {
		return err
	}
	deltas, err := c.History(ctx, name, version.NewFactory().VersionZero(name), end, page)
	if err != nil {
		return err
	}

	entries := make([]historyEntry, 0, len(deltas))
	for _, d := range deltas {
		entry := historyEntry{
			AppliedAt:  d.Message.AppliedAtVersion.Version,
			Operations: d.Message.OperationsApplied,
			Timestamp:  d.Message.ApplicationTimestamp,
		}
		if delta, err := wire.DecodeDelta(d.Message.SignedOriginalDelta.Delta); err == nil {
			entry.Author = string(delta.Author)
			for _, op := range delta.Ops {
				entry.Ops = append(entry.Ops, describe(op))
			}
		}
		entries = append(entries, entry)
	}
	return printJSON(entries)
}

func describe(op model.WaveletOperation) string {
	switch op.Type {
	case model.OpAddParticipant, model.OpRemoveParticipant:
		return fmt.Sprintf("%s(%s)", op.Type, op.Participant)
	case model.OpBlipInsert:
		return fmt.Sprintf("%s(%s@%d, %q)", op.Type, op.BlipID, op.Position, op.Text)
	case model.OpBlipDelete:
		return fmt.Sprintf("%s(%s@%d, %d)", op.Type, op.BlipID, op.Position, op.Count)
	default:
		return string(op.Type)
	}
}

func snapshot(ctx context.Context, c *client.WaveletClient, opts docopt.Opts) error {
	snap, committed, err := c.Snapshot(ctx, waveletName(opts))
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"version":   snap.Version.String(),
		"committed": committed.String(),
		"snapshot":  snap,
	})
}

func lookup(ctx context.Context, c *client.WaveletClient, opts docopt.Opts) error {
	waveID, _ := opts.String("--wave")
	ids, err := c.Lookup(ctx, waveID)
	if err != nil {
		return err
	}
	return printJSON(ids)
}

func deleteWavelet(ctx context.Context, c *client.WaveletClient, opts docopt.Opts) error {
	name := waveletName(opts)
	if err := c.Delete(ctx, name); err != nil {
		return err
	}
	Out.Printf("deleted %s", name)
	return nil
}
