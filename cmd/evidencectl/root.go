package main

import (
	"archive/zip"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"call-evidence/internal/evidence"
)

var errVerificationFailed = errors.New("verification failed")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "evidencectl",
		Short:         "Inspect and verify exported call evidence bundles",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newVerifyCmd(), newHashCmd())
	return root
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <bundle.json|archive.zip>",
		Short: "Recompute the bundle hash and compare it with the recorded one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(args[0])
			if err != nil {
				return err
			}
			v, err := evidence.VerifyDocument(a.bundle)
			if err != nil {
				return err
			}

			cmd.Printf("recorded: %s\n", v.Claimed)
			cmd.Printf("computed: %s\n", v.Computed)
			ok := v.OK()
			if a.readme != nil {
				readmeHash, found := readmeHash(a.readme)
				switch {
				case !found:
					cmd.Printf("README:   no bundle hash line\n")
					ok = false
				case readmeHash != v.Claimed:
					cmd.Printf("README:   %s (does not match bundle.json)\n", readmeHash)
					ok = false
				default:
					cmd.Printf("README:   %s\n", readmeHash)
				}
			}
			if !ok {
				cmd.Println("MISMATCH")
				return errVerificationFailed
			}
			cmd.Println("OK")
			return nil
		},
	}
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <bundle.json|archive.zip>",
		Short: "Print the canonical hash of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(args[0])
			if err != nil {
				return err
			}
			h, err := evidence.HashDocument(a.bundle)
			if err != nil {
				return err
			}
			cmd.Println(h)
			return nil
		},
	}
}

type artifact struct {
	bundle []byte
	// readme is nil for a bare bundle.json.
	readme []byte
}

func load(path string) (artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return artifact{}, err
	}
	if !bytes.HasPrefix(raw, []byte("PK\x03\x04")) {
		return artifact{bundle: raw}, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return artifact{}, fmt.Errorf("open archive: %w", err)
	}
	var a artifact
	for _, f := range zr.File {
		switch f.Name {
		case evidence.FileBundle:
			a.bundle, err = readEntry(f)
		case evidence.FileReadme:
			a.readme, err = readEntry(f)
		}
		if err != nil {
			return artifact{}, err
		}
	}
	if a.bundle == nil {
		return artifact{}, fmt.Errorf("archive has no %s", evidence.FileBundle)
	}
	if a.readme == nil {
		a.readme = []byte{}
	}
	return a, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return b, nil
}

func readmeHash(readme []byte) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(readme))
	for sc.Scan() {
		if h, ok := strings.CutPrefix(sc.Text(), evidence.ReadmeHashPrefix); ok {
			return strings.TrimSpace(h), true
		}
	}
	return "", false
}
