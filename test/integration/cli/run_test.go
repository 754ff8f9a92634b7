// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package cli_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

const bundled = "../../../packages"

var _ = Describe("modrt CLI", func() {
	var ctx context.Context

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		DeferCleanup(cancel)
	})

	Describe("run", func() {
		It("starts the bundled packages, ticks and unloads them", func() {
			output, err := modrt(ctx, "run",
				"--packages-dir", bundled,
				"--ticks", "5",
				"--tick", "10ms",
				"--metrics-addr", "",
				"--log-format", "text",
			)
			Expect(err).NotTo(HaveOccurred(), "run failed: %s", output)
			Expect(output).To(ContainSubstring("echo> hello from lua"))
			Expect(output).To(ContainSubstring("echo stopped"))
			Expect(output).To(ContainSubstring("echo 1.0.0 unloaded"))
		})

		It("reads settings from a config file", func() {
			cfg := filepath.Join(GinkgoT().TempDir(), "modrt.yaml")
			Expect(os.WriteFile(cfg, []byte(
				"packages-dir: "+bundled+"\nticks: 2\ntick: 10ms\nmetrics-addr: \"\"\nenabled: [nothing]\n",
			), 0o600)).To(Succeed())

			output, err := modrt(ctx, "--config", cfg, "run")
			Expect(err).NotTo(HaveOccurred(), "run failed: %s", output)
			Expect(output).To(ContainSubstring("echo 1.0.0 discovered"))
		})

		It("rejects an invalid configuration", func() {
			output, err := modrt(ctx, "run", "--log-format", "xml")
			Expect(err).To(HaveOccurred())
			Expect(output).To(ContainSubstring("log-format"))
		})
	})

	Describe("validate", func() {
		It("accepts the bundled packages", func() {
			output, err := modrt(ctx, "validate", bundled)
			Expect(err).NotTo(HaveOccurred(), "validate failed: %s", output)
			Expect(output).To(ContainSubstring("echo 1.0.0"))
		})

		It("fails on a broken manifest", func() {
			dir := filepath.Join(GinkgoT().TempDir(), "broken")
			Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "package.yaml"), []byte("name: Broken\n"), 0o600)).To(Succeed())

			output, err := modrt(ctx, "validate", dir)
			Expect(err).To(HaveOccurred())
			Expect(output).To(ContainSubstring("FAIL"))
		})
	})

	Describe("schema", func() {
		It("prints a JSON schema", func() {
			output, err := modrt(ctx, "schema")
			Expect(err).NotTo(HaveOccurred())

			var doc map[string]any
			Expect(json.Unmarshal([]byte(output), &doc)).To(Succeed())
			Expect(doc).To(HaveKey("$id"))
		})
	})
})
