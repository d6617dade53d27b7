package handler

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"mind-chat-go/internal/config"
	"mind-chat-go/pkg/log"
	"mind-chat-go/pkg/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// presignedExpiry 是附件下载链接的有效期。
const presignedExpiry = 24 * time.Hour

// AttachmentHandler 处理聊天图片附件的上传。
// 上传成功返回预签名 URL，前端将其作为图片引用随提问发送。
type AttachmentHandler struct {
	minioCfg config.MinIOConfig
}

// NewAttachmentHandler 创建一个新的 AttachmentHandler。
func NewAttachmentHandler(minioCfg config.MinIOConfig) *AttachmentHandler {
	return &AttachmentHandler{minioCfg: minioCfg}
}

// UploadImage 接收 multipart 图片文件，存入 MinIO 并返回预签名访问链接。
func (h *AttachmentHandler) UploadImage(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少 file 字段", "data": nil})
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "仅支持图片文件", "data": nil})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Errorf("[AttachmentHandler] 打开上传文件失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取上传文件失败", "data": nil})
		return
	}
	defer file.Close()

	objectName := "attachments/" + uuid.NewString() + filepath.Ext(fileHeader.Filename)
	if err := storage.PutImage(c.Request.Context(), h.minioCfg.BucketName, objectName, file, fileHeader.Size, contentType); err != nil {
		log.Errorf("[AttachmentHandler] 上传图片到 MinIO 失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "图片上传失败", "data": nil})
		return
	}

	url, err := storage.GetPresignedURL(h.minioCfg.BucketName, objectName, presignedExpiry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "生成访问链接失败", "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"url": url, "objectName": objectName}})
}
