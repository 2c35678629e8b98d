package invoice

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltSessions", func() {
	var (
		dbPath string
		store  *BoltSessions
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "sessions.db")
		var err error
		store, err = NewBoltSessions(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
	})

	Describe("SaveSession and GetSession", func() {
		var session *Session

		BeforeEach(func() {
			session = &Session{
				ID:     "s1",
				APIKey: "secret",
				Rows: []Record{
					{ID: "r1", SourceFilename: "a.jpg", Seller: stringPtr("Shop"), GrossAmount: 9.99},
				},
				CreatedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			}
			Expect(store.SaveSession(session)).To(Succeed())
		})

		It("should round-trip the session", func() {
			saved, err := store.GetSession("s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.APIKey).To(Equal("secret"))
			Expect(saved.Rows).To(HaveLen(1))
			Expect(saved.Rows[0].Seller).To(HaveValue(Equal("Shop")))
		})

		It("should survive reopening the database", func() {
			Expect(store.Close()).To(Succeed())
			var err error
			store, err = NewBoltSessions(dbPath)
			Expect(err).NotTo(HaveOccurred())

			saved, err := store.GetSession("s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.ID).To(Equal("s1"))
		})
	})

	Describe("GetSession", func() {
		It("returns ErrSessionNotFound for unknown IDs", func() {
			_, err := store.GetSession("missing")
			Expect(err).To(MatchError(ErrSessionNotFound))
		})
	})

	Describe("DeleteSession", func() {
		It("should remove the session", func() {
			Expect(store.SaveSession(&Session{ID: "s2"})).To(Succeed())
			Expect(store.DeleteSession("s2")).To(Succeed())
			_, err := store.GetSession("s2")
			Expect(err).To(MatchError(ErrSessionNotFound))
		})
	})
})
