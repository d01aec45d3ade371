package providers_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/authkeeper/pkg/providers"
)

var _ = Describe("Registry", func() {
	It("lists the supported providers", func() {
		Expect(providers.SupportedProviders()).To(Equal([]string{
			"github-copilot", "google-gemini-cli", "google-antigravity",
		}))
	})

	It("returns a copy", func() {
		list := providers.SupportedProviders()
		list[0] = "mutated"
		Expect(providers.SupportedProviders()[0]).To(Equal("github-copilot"))
	})

	It("reports families", func() {
		info, ok := providers.Lookup("github-copilot")
		Expect(ok).To(BeTrue())
		Expect(info.Family).To(Equal(providers.FamilyToken))

		info, ok = providers.Lookup("google-antigravity")
		Expect(ok).To(BeTrue())
		Expect(info.Family).To(Equal(providers.FamilyOAuth))

		_, ok = providers.Lookup("openai")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("ParseModelRef", func() {
	It("splits on the first slash", func() {
		ref, err := providers.ParseModelRef("github-copilot/org/gpt-4o")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref.Provider).To(Equal("github-copilot"))
		Expect(ref.Model).To(Equal("org/gpt-4o"))
		Expect(ref.String()).To(Equal("github-copilot/org/gpt-4o"))
	})

	DescribeTable("rejects malformed references",
		func(ref string) {
			_, err := providers.ParseModelRef(ref)
			Expect(err).To(MatchError(providers.ErrInvalidModelRef))
		},
		Entry("no slash", "gemini-2.5-pro"),
		Entry("empty provider", "/gemini-2.5-pro"),
		Entry("empty model", "google-gemini-cli/"),
		Entry("empty", ""),
	)

	It("rejects unknown providers", func() {
		_, err := providers.ParseModelRef("openai/gpt-4o")
		Expect(err).To(MatchError(providers.ErrUnknownProvider))
		Expect(err.Error()).To(ContainSubstring("google-gemini-cli"))
	})
})

var _ = Describe("ModelsFor", func() {
	It("returns a catalog for every provider", func() {
		for _, p := range providers.SupportedProviders() {
			models, err := providers.ModelsFor(p)
			Expect(err).NotTo(HaveOccurred())
			Expect(models).NotTo(BeEmpty(), p)
		}
	})

	It("returns a copy", func() {
		models, err := providers.ModelsFor("google-gemini-cli")
		Expect(err).NotTo(HaveOccurred())
		models[0] = "mutated"

		again, _ := providers.ModelsFor("google-gemini-cli")
		Expect(again[0]).To(Equal("gemini-2.5-pro"))
	})

	It("rejects unknown providers", func() {
		_, err := providers.ModelsFor("openai")
		Expect(err).To(MatchError(providers.ErrUnknownProvider))
	})
})
