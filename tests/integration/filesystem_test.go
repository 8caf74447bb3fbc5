package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// In-process kernels have no separate guest filesystem:
// the driver reports ErrNotSupported, which the API surfaces as 400.
func TestFilesystemUnsupportedForInProcessKernel(t *testing.T) {
	id := "kt-" + uuid.NewString()
	createPayload := map[string]any{"id": id, "mode": "in-process", "language": "python"}
	body, _ := json.Marshal(createPayload)
	resp, err := http.Post(BaseURL+"/kernels", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	defer func() {
		req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/kernels/%s", BaseURL, id), nil)
		http.DefaultClient.Do(req)
	}()

	resp, err = http.Get(fmt.Sprintf("%s/kernels/%s/files?path=/", BaseURL, id))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
