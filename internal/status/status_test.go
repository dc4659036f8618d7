package status

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestHandler_ServesRegisteredSections(t *testing.T) {
	r := NewRegistry()
	r.Register("workers", func() any { return map[string]int{"ready": 3} })

	req := httptest.NewRequest("GET", "/status.json", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var out snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.Pid == 0 {
		t.Fatal("expected a nonzero pid in the snapshot")
	}
	workers, ok := out.Sections["workers"].(map[string]any)
	if !ok || workers["ready"].(float64) != 3 {
		t.Fatalf("sections[workers] = %v, want ready:3", out.Sections["workers"])
	}
}
