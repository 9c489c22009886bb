package normalize

import (
	"net/url"
	"strings"

	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/zap"
)

// AppAssetName labels the fallback asset for alerts without URL or host.
const AppAssetName = "application"

// AssetKey identifies an asset within a target.
type AssetKey struct {
	Name string
	Type model.AssetType
}

// DeriveAsset picks the asset an alert belongs to: the URL without query or
// fragment when the alert has a parseable absolute URL, else its host, else
// the application-level fallback.
func DeriveAsset(a *zap.Alert) AssetKey {
	if raw := strings.TrimSpace(a.URL); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
			path := u.EscapedPath()
			if path == "" {
				path = "/"
			}
			return AssetKey{
				Name: strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path,
				Type: model.AssetURL,
			}
		}
	}
	if host := strings.ToLower(strings.TrimSpace(a.Host)); host != "" {
		return AssetKey{Name: host, Type: model.AssetHost}
	}
	return AssetKey{Name: AppAssetName, Type: model.AssetApp}
}
