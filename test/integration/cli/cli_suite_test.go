// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package cli_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

func TestCLI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CLI Integration Suite")
}

// binary is the modrt executable built once for the suite.
var binary string

var _ = BeforeSuite(func() {
	dir, err := os.MkdirTemp("", "modrt-cli-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, dir)

	binary = filepath.Join(dir, "modrt")
	build := exec.CommandContext(context.Background(), "go", "build", "-o", binary, ".")
	build.Dir = "../../../cmd/modrt"
	output, err := build.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "build failed: %s", string(output))
})

// modrt runs the built binary with an isolated XDG environment.
func modrt(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	home := GinkgoT().TempDir()
	cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+filepath.Join(home, "config"),
		"XDG_DATA_HOME="+filepath.Join(home, "data"),
	)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
