package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"funds-transfer/internal/notify"
)

// errChain marks a broken chain (exit 1) as opposed to unreadable input (exit 2).
var errChain = errors.New("FAIL")

func main() {
	var (
		inPath   = flag.String("in", "", "CSV exported from transfer_notice_proof_export_v")
		headHash = flag.String("head", "", "expected head hash hex")
		anchor   = flag.String("anchor", "", `expected prev hash of the first row; "genesis" for a full export`)
		strong   = flag.Bool("strong", false, "recompute every hash from payload_canonical")
	)
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}
	if *headHash == "" {
		fmt.Fprintln(os.Stderr, "missing -head")
		os.Exit(2)
	}

	f, err := os.Open(*inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(2)
	}
	defer f.Close()

	v := &notify.ChainVerifier{Anchor: *anchor, Strong: *strong}
	if v.Anchor == "genesis" {
		v.Anchor = notify.GenesisHash
	}

	if err := verify(bufio.NewReader(f), v, *headHash); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errChain) {
			os.Exit(1)
		}
		os.Exit(2)
	}

	fmt.Printf("OK: chain verified (%d rows). head=%s\n", v.Rows(), v.Head())
}

func verify(in io.Reader, v *notify.ChainVerifier, headHash string) error {
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	need := []string{"seq", "prev_hash_hex", "hash_hex"}
	if v.Strong {
		need = append(need, "payload_canonical")
	}
	for _, name := range need {
		if _, ok := col[name]; !ok {
			return fmt.Errorf("missing column: %s", name)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	lineNo := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			return fmt.Errorf("csv read: %w", err)
		}

		link := notify.ChainLink{
			Seq:              field(rec, "seq"),
			PrevHashHex:      field(rec, "prev_hash_hex"),
			HashHex:          field(rec, "hash_hex"),
			PayloadCanonical: field(rec, "payload_canonical"),
		}
		if err := v.Next(link); err != nil {
			return fmt.Errorf("%w: line %d: %v", errChain, lineNo, err)
		}
	}

	if v.Rows() == 0 {
		return fmt.Errorf("%w: empty export", errChain)
	}

	want := strings.ToLower(strings.TrimSpace(headHash))
	if want != v.Head() {
		return fmt.Errorf("%w: head hash mismatch\nexpected=%s\ngot=%s", errChain, want, v.Head())
	}
	return nil
}
