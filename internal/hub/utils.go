package hub

import "github.com/google/uuid"

// generateConnectionID 生成连接 ID
func generateConnectionID() string {
	return "conn_" + uuid.NewString()
}
