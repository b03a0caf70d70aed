package speech

// SpeechConfig 火山引擎语音识别配置
type SpeechConfig struct {
	AppID          string `json:"appId"`          // 火山引擎 APP ID
	AccessToken    string `json:"accessToken"`    // 火山引擎 Access Token
	ConcurrentMode bool   `json:"concurrentMode"` // ASR并发模式（false为小时版）
	ASRModel       string `json:"asrModel"`
	ASRLanguage    string `json:"asrLanguage"`
	Endpoint       string `json:"endpoint,omitempty"` // 为空时按模式选择官方地址
}
