package logger_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"

	"github.com/papercomputeco/authkeeper/pkg/logger"
)

var _ = Describe("New", func() {
	It("enables debug only when requested", func() {
		l, err := logger.New(true)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Core().Enabled(zapcore.DebugLevel)).To(BeTrue())

		l, err = logger.New(false)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Core().Enabled(zapcore.InfoLevel)).To(BeFalse())
		Expect(l.Core().Enabled(zapcore.WarnLevel)).To(BeTrue())
	})

	It("parses level names and falls back to warn", func() {
		l, err := logger.NewWithLevel("info")
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Core().Enabled(zapcore.InfoLevel)).To(BeTrue())

		l, err = logger.NewWithLevel("chatty")
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Core().Enabled(zapcore.InfoLevel)).To(BeFalse())
	})
})
