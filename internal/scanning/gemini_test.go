package scanning

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Gemini", func() {
	Describe("NewGemini", func() {
		It("returns ErrAuthenticationMissing without a key", func() {
			g, err := NewGemini("", "")
			Expect(err).To(MatchError(ErrAuthenticationMissing))
			Expect(g).To(BeNil())
		})

		It("should configure deterministic output", func() {
			g, err := NewGemini("test-key", "")
			Expect(err).NotTo(HaveOccurred())
			defer g.Close()

			Expect(g.model.Temperature).To(HaveValue(BeZero()))
			Expect(g.timeout).To(BeNumerically(">", 0))
		})
	})

	Describe("GeminiProvider", func() {
		It("should hand out a scanner that can list models", func() {
			s, err := GeminiProvider{Model: "gemini-pro"}.Scanner("test-key")
			Expect(err).NotTo(HaveOccurred())
			defer s.Close()

			_, ok := s.(ModelLister)
			Expect(ok).To(BeTrue())
		})
	})
})
