// Package main SFU Core API
//
//	@title			SFU Core API
//	@version		1.0
//	@description	WebRTC selective forwarding unit: ICE server discovery and signaling.
//	@termsOfService	http://swagger.io/terms/
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8082
//	@BasePath	/
//
//	@securityDefinitions.apikey	MemberToken
//	@in							header
//	@name						X-W-Chat-Secret
//	@description				base64url("<memberId>:<secret>") member token
//
//	@externalDocs.description	OpenAPI
//	@externalDocs.url			https://swagger.io/resources/open-api/
package main
