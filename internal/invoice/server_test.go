package invoice

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-ledger/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		sessions    *mockSessions
		ledger      *mockLedger
		storage     *mockStorage
		scanner     *mockScanner
		provider    *mockProvider
		opts        Options
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
		session     *Session
	)

	// do sends one request through the server under test
	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if auth.Username != "" {
			req.SetBasicAuth(auth.Username, auth.Password)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	upload := func(artifacts ...Artifact) (*bytes.Buffer, string) {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		for _, a := range artifacts {
			part, err := writer.CreateFormFile("files", a.Filename)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(a.Data)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(writer.Close()).To(Succeed())
		return body, writer.FormDataContentType()
	}

	BeforeEach(func() {
		sessions = newMockSessions()
		ledger = &mockLedger{}
		storage = newMockStorage()
		scanner = newMockScanner()
		provider = &mockProvider{scanner: scanner, requireKey: true}
		opts = Options{APIKey: "configured-key"}
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		timeSrc := &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
		service = NewServiceWithDeps(sessions, ledger, storage, provider, opts, &mockIDGenerator{}, timeSrc)
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()

		var err error
		session, err = service.NewSession()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleIndex", func() {
		It("should return HTML containing Invoice Ledger", func() {
			resp := do("GET", "/", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Invoice Ledger"))
		})

		When("request method is not GET", func() {
			It("should return status Method Not Allowed", func() {
				resp := do("POST", "/", nil, "")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			})
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
		})

		It("should accept valid credentials", func() {
			resp := do("GET", "/api/ledger", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject invalid credentials", func() {
			auth.Password = "wrong"
			resp := do("GET", "/api/ledger", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})
	})

	Describe("sessions", func() {
		It("should create a session", func() {
			resp := do("POST", "/api/sessions", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var view sessionView
			decode(resp, &view)
			Expect(view.ID).NotTo(BeEmpty())
			Expect(view.Rows).To(BeEmpty())
			Expect(view.HasCredential).To(BeTrue())
		})

		It("should return 404 for unknown sessions", func() {
			resp := do("GET", "/api/sessions/nope", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			var body map[string]string
			decode(resp, &body)
			Expect(body["code"]).To(Equal("session_not_found"))
		})

		When("no API key is configured", func() {
			BeforeEach(func() {
				opts.APIKey = ""
			})

			It("should report the missing credential", func() {
				resp := do("GET", "/api/sessions/"+session.ID, nil, "")
				var view sessionView
				decode(resp, &view)
				Expect(view.HasCredential).To(BeFalse())
			})

			It("should store a key entered for the session", func() {
				resp := do("PUT", "/api/sessions/"+session.ID+"/credential", strings.NewReader(`{"api_key":"session-key"}`), "application/json")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

				saved, err := sessions.GetSession(session.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.APIKey).To(Equal("session-key"))
			})

			It("should reject an empty key", func() {
				resp := do("PUT", "/api/sessions/"+session.ID+"/credential", strings.NewReader(`{"api_key":"  "}`), "application/json")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("handleRunBatch", func() {
		It("should stream progress followed by the result", func() {
			body, contentType := upload(jpegArtifact("a.jpg"), corruptPDFArtifact("b.pdf"))
			resp := do("POST", "/api/sessions/"+session.ID+"/batch", body, contentType)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/x-ndjson"))

			var events []batchEvent
			lines := bufio.NewScanner(resp.Body)
			for lines.Scan() {
				var ev batchEvent
				Expect(json.Unmarshal(lines.Bytes(), &ev)).To(Succeed())
				events = append(events, ev)
			}
			Expect(events).To(HaveLen(3))
			Expect(events[0].Type).To(Equal("progress"))
			Expect(events[0].Progress.State).To(Equal(StateRecorded))
			Expect(events[1].Progress.State).To(Equal(StateSkipped))
			Expect(events[1].Progress.Fraction).To(Equal(1.0))
			Expect(events[2].Type).To(Equal("result"))
			Expect(events[2].Result.Rows).To(HaveLen(1))
			Expect(events[2].Result.Notices).To(HaveLen(1))
			Expect(events[2].Result.Notices[0].Filename).To(Equal("b.pdf"))
		})

		It("should detect the content type from the file extension", func() {
			body, contentType := upload(jpegArtifact("scan.jpeg"))
			resp := do("POST", "/api/sessions/"+session.ID+"/batch", body, contentType)
			resp.Body.Close()

			saved, _ := sessions.GetSession(session.ID)
			Expect(saved.Rows).To(HaveLen(1))
			Expect(saved.Rows[0].ContentType).To(Equal("image/jpeg"))
		})

		When("the upload exceeds the batch limit", func() {
			BeforeEach(func() {
				previous := maxBatchSize
				maxBatchSize = 1024
				DeferCleanup(func() { maxBatchSize = previous })
			})

			It("should reject it before extracting anything", func() {
				body, contentType := upload(Artifact{Filename: "big.jpg", Data: bytes.Repeat([]byte("x"), 8192)})
				resp := do("POST", "/api/sessions/"+session.ID+"/batch", body, contentType)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
				Expect(scanner.calls).To(BeZero())
			})
		})

		It("should reject a request without files", func() {
			body, contentType := upload()
			resp := do("POST", "/api/sessions/"+session.ID+"/batch", body, contentType)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("no credential is available", func() {
			BeforeEach(func() {
				opts.APIKey = ""
			})

			It("should return 401 before processing anything", func() {
				body, contentType := upload(jpegArtifact("a.jpg"))
				resp := do("POST", "/api/sessions/"+session.ID+"/batch", body, contentType)
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				var errBody map[string]string
				decode(resp, &errBody)
				Expect(errBody["code"]).To(Equal("authentication_missing"))
				Expect(scanner.calls).To(BeZero())
			})
		})

		When("the service is unreachable", func() {
			BeforeEach(func() {
				scanner.scanErr = scanning.ErrService
			})

			It("should still return placeholder rows", func() {
				body, contentType := upload(jpegArtifact("a.jpg"))
				resp := do("POST", "/api/sessions/"+session.ID+"/batch", body, contentType)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				saved, _ := sessions.GetSession(session.ID)
				Expect(saved.Rows).To(HaveLen(1))
				Expect(saved.Rows[0].Seller).To(HaveValue(Equal(PlaceholderSeller)))
			})
		})
	})

	Describe("review rows", func() {
		JustBeforeEach(func() {
			_, err := service.RunBatch(session.ID, []Artifact{jpegArtifact("a.jpg")}, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should insert a blank row", func() {
			resp := do("POST", "/api/sessions/"+session.ID+"/rows", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var row Record
			decode(resp, &row)
			Expect(row.ID).NotTo(BeEmpty())

			saved, _ := sessions.GetSession(session.ID)
			Expect(saved.Rows).To(HaveLen(2))
		})

		It("should update a row", func() {
			rowID := sessions.sessions[session.ID].Rows[0].ID
			resp := do("PUT", "/api/sessions/"+session.ID+"/rows/"+rowID,
				strings.NewReader(`{"source_filename":"a.jpg","seller":"Fixed","issue_date":"2024-02-01","gross_amount":99.5}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var row Record
			decode(resp, &row)
			Expect(row.Seller).To(HaveValue(Equal("Fixed")))
			Expect(row.GrossAmount).To(Equal(99.5))
		})

		It("should return 404 when updating a missing row", func() {
			resp := do("PUT", "/api/sessions/"+session.ID+"/rows/missing", strings.NewReader(`{}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should delete a row", func() {
			rowID := sessions.sessions[session.ID].Rows[0].ID
			resp := do("DELETE", "/api/sessions/"+session.ID+"/rows/"+rowID, nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			saved, _ := sessions.GetSession(session.ID)
			Expect(saved.Rows).To(BeEmpty())
		})

		It("should replace all rows", func() {
			resp := do("PUT", "/api/sessions/"+session.ID+"/rows",
				strings.NewReader(`[{"source_filename":"x.pdf","seller":null,"issue_date":null,"gross_amount":0}]`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var rows []Record
			decode(resp, &rows)
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].SourceFilename).To(Equal("x.pdf"))
		})

		It("should serve the uploaded original", func() {
			rowID := sessions.sessions[session.ID].Rows[0].ID
			resp := do("GET", "/api/sessions/"+session.ID+"/rows/"+rowID+"/file", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
		})
	})

	Describe("handleCommit", func() {
		JustBeforeEach(func() {
			_, err := service.RunBatch(session.ID, []Artifact{jpegArtifact("a.jpg"), jpegArtifact("b.jpg")}, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should commit the buffer and report the count", func() {
			resp := do("POST", "/api/sessions/"+session.ID+"/commit", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]int
			decode(resp, &body)
			Expect(body["committed"]).To(Equal(2))
			Expect(ledger.records).To(HaveLen(2))
		})

		When("the ledger write fails", func() {
			BeforeEach(func() {
				ledger.appendErr = ErrLedgerWrite
			})

			It("should return ledger_write_failed and keep the buffer", func() {
				resp := do("POST", "/api/sessions/"+session.ID+"/commit", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				var body map[string]string
				decode(resp, &body)
				Expect(body["code"]).To(Equal("ledger_write_failed"))

				saved, _ := sessions.GetSession(session.ID)
				Expect(saved.Rows).To(HaveLen(2))
			})
		})

		When("the review buffer cannot be cleared", func() {
			JustBeforeEach(func() {
				sessions.saveErr = errors.New("disk full")
			})

			It("should fail without touching the ledger", func() {
				resp := do("POST", "/api/sessions/"+session.ID+"/commit", nil, "")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(ledger.records).To(BeEmpty())
			})
		})
	})

	Describe("ledger", func() {
		BeforeEach(func() {
			ledger.records = []Record{
				{SourceFilename: "old.jpg", GrossAmount: 1, AddedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
				{SourceFilename: "new.jpg", GrossAmount: 2, AddedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
			}
		})

		It("should list newest first", func() {
			resp := do("GET", "/api/ledger", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var records []Record
			decode(resp, &records)
			Expect(records).To(HaveLen(2))
			Expect(records[0].SourceFilename).To(Equal("new.jpg"))
		})

		It("should export csv as an attachment", func() {
			resp := do("GET", "/api/ledger/export?format=csv", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("invoices.csv"))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(HavePrefix("filename,seller,issue_date,gross_amount,added_at"))
		})

		It("should export xlsx", func() {
			resp := do("GET", "/api/ledger/export?format=xlsx", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("invoices.xlsx"))
		})

		It("should name an unreadable ledger file", func() {
			ledger.readErr = fmt.Errorf("%w: first line", ErrLedgerFormat)
			resp := do("GET", "/api/ledger", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			var body map[string]string
			decode(resp, &body)
			Expect(body["code"]).To(Equal("ledger_unreadable"))
		})

		It("should reject unknown formats", func() {
			resp := do("GET", "/api/ledger/export?format=pdf", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})
})
