package images

import (
	"net/url"
	"strings"
)

// PlaceholderService строит URL иллюстрации сцены из тега, сгенерированного
// бэкендом повествования. Генерация настоящих изображений живет в отдельном
// сервисе; здесь тег просто кодируется в URL плейсхолдера.
type PlaceholderService struct {
	baseURL string
}

// NewPlaceholderService создает сервис с базовым URL плейсхолдера.
func NewPlaceholderService(baseURL string) *PlaceholderService {
	return &PlaceholderService{baseURL: strings.TrimSuffix(baseURL, "?")}
}

// SceneImageURL возвращает URL иллюстрации для тега сцены.
// Пустой тег дает пустой URL: не у каждого хода есть иллюстрация.
func (s *PlaceholderService) SceneImageURL(tag string) string {
	if strings.TrimSpace(tag) == "" {
		return ""
	}
	return s.baseURL + "?text=" + url.QueryEscape(tag)
}
