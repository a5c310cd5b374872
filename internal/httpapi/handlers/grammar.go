package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/speakenai/speaken/internal/common"
	"github.com/speakenai/speaken/internal/grammar"
)

type grammarView struct {
	Annotations []grammar.Annotation `json:"annotations"`
	Segments    []grammar.Segment    `json:"segments"`
}

func analyze(text string) grammarView {
	anns := grammar.Analyze(text)
	if anns == nil {
		anns = []grammar.Annotation{}
	}
	return grammarView{Annotations: anns, Segments: grammar.Segments(text, anns)}
}

type grammarReq struct {
	Text string `json:"text"`
}

func (h *Handler) CheckGrammar(c *gin.Context) {
	var req grammarReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if len(req.Text) > 10_000 {
		common.Fail(c, http.StatusBadRequest, 10004, "text too long")
		return
	}
	common.OK(c, analyze(req.Text))
}
