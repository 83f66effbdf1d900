package config

const defaultTemplate = `firm:
  id: %s
  name: Default Firm

thresholds:
  human_review_amount: 5000000
  mandatory_risk_score: 60
  discretionary_risk_score: 40
  first_time_provider_amount: 500000

agents:
  catalog:
    strategy:
      description: "Business rationale and strategic fit of the service"
    pmo:
      description: "Project management, execution follow-up, deliverable control"
    fiscal:
      description: "Tax deductibility, CFDI and materiality requirements"
    legal:
      description: "Contracts, corporate approvals and legal exposure"
    finance:
      description: "Budget, payment terms and accounting treatment"
    provider:
      description: "Counterparty verification, EFOS lists, capacity checks"
    defensefile:
      description: "Defense file completeness and cross-referencing"
    auditor:
      description: "Independent review of the full audit trail"

phases:
  - id: F0
    name: "Solicitud del servicio"
    objective: "Register the service request and its business justification"
    hard_gate: false
    required_agents: [strategy]
    required_documents:
      - name: solicitud_servicio
        description: "Internal request describing the service and expected benefit"
        mandatory: true
    advance_condition: "Request registered with typology and counterparty identified"
    blocking_conditions:
      - "missing business justification"

  - id: F1
    name: "Planeación"
    objective: "Scope, plan and budget the engagement"
    hard_gate: false
    required_agents: [strategy, pmo]
    required_documents:
      - name: plan_trabajo
        description: "Work plan with milestones and responsible parties"
        mandatory: true
      - name: cotizacion
        description: "Provider quotation or fee proposal"
        mandatory: true
    advance_condition: "Plan and budget approved by strategy and PMO"
    blocking_conditions:
      - "work plan incomplete"
      - "budget not approved"

  - id: F2
    name: "Autorización de arranque"
    objective: "Authorize the start of execution with contract and provider diligence in place"
    hard_gate: true
    required_agents: [pmo, fiscal, legal, provider]
    required_documents:
      - name: contrato_firmado
        description: "Signed service agreement"
        mandatory: true
      - name: orden_compra
        description: "Purchase order matching the quotation"
        mandatory: true
      - name: due_diligence_proveedor
        description: "Provider verification dossier including EFOS check"
        mandatory: true
    advance_condition: "All start-of-execution approvals recorded; no agent rejection outstanding"
    blocking_conditions:
      - "contract not signed"
      - "provider verification pending"
      - "agent rejection without exception"

  - id: F3
    name: "Arranque de ejecución"
    objective: "Kick off execution and establish evidence capture"
    hard_gate: false
    required_agents: [pmo]
    required_documents:
      - name: minuta_kickoff
        description: "Kick-off meeting minutes with attendees"
        mandatory: true
    advance_condition: "Kick-off documented"
    blocking_conditions:
      - "kick-off not documented"

  - id: F4
    name: "Seguimiento"
    objective: "Track progress and collect interim evidence"
    hard_gate: false
    required_agents: [pmo]
    required_documents:
      - name: reportes_avance
        description: "Periodic progress reports"
        mandatory: true
    advance_condition: "Progress evidence current"
    blocking_conditions:
      - "progress reports missing"

  - id: F5
    name: "Recepción de entregables"
    objective: "Receive deliverables and materiality evidence"
    hard_gate: false
    required_agents: [pmo, strategy]
    required_documents:
      - name: entregables
        description: "Final deliverables as contracted"
        mandatory: true
      - name: evidencia_materialidad
        description: "Evidence the service was actually rendered"
        mandatory: true
    advance_condition: "Deliverables accepted and materiality evidence filed"
    blocking_conditions:
      - "deliverables not accepted"
      - "materiality evidence missing"

  - id: F6
    name: "Dictamen fiscal y legal"
    objective: "Obtain fiscal and legal sign-off on deductibility"
    hard_gate: true
    required_agents: [fiscal, legal, finance, auditor]
    required_documents:
      - name: expediente_soporte
        description: "Support file linking contract, deliverables and payments"
        mandatory: true
      - name: opinion_cumplimiento
        description: "Tax compliance opinion (32-D) of the provider"
        mandatory: true
    advance_condition: "Fiscal, legal, finance and auditor sign-off recorded"
    blocking_conditions:
      - "fiscal opinion missing or negative"
      - "legal opinion missing or negative"

  - id: F7
    name: "Cierre operativo"
    objective: "Close the engagement operationally"
    hard_gate: false
    required_agents: [pmo, strategy]
    required_documents:
      - name: acta_cierre
        description: "Closing memorandum signed by the service owner"
        mandatory: true
    advance_condition: "Closing memorandum filed"
    blocking_conditions:
      - "closing memorandum missing"

  - id: F8
    name: "Liberación de pago"
    objective: "Release payment with invoice and EFOS validation"
    hard_gate: true
    required_agents: [finance, fiscal, provider]
    required_documents:
      - name: factura_cfdi
        description: "CFDI invoice matching contract and purchase order"
        mandatory: true
      - name: complemento_pago
        description: "Payment complement once paid"
        mandatory: false
      - name: validacion_efos
        description: "EFOS list validation at payment date"
        mandatory: true
    advance_condition: "Invoice validated and counterparty clear of EFOS lists"
    blocking_conditions:
      - "invoice mismatch"
      - "counterparty EFOS-listed"

  - id: F9
    name: "Expediente de defensa"
    objective: "Compile the cross-referenced defense file"
    hard_gate: false
    required_agents: [defensefile, auditor]
    required_documents:
      - name: expediente_defensa
        description: "Compiled defense file with index and cross references"
        mandatory: true
    advance_condition: "Defense file compiled and audited"
    blocking_conditions:
      - "defense file incomplete"

typologies:
  CONSULTORIA_MERCADO:
    code: CMM
    name: "Market research consulting"
    inherent_risk: 45
    always_requires_human: false
    alert_list:
      - "deliverables limited to generic presentations"
      - "provider without sector track record"
    checklists:
      F2:
        - id: CMM_F2_01
          description: "Contract defines scope, methodology and deliverable format"
          mandatory: true
          role: legal
          acceptance: "Signed contract with annex describing methodology"
        - id: CMM_F2_02
          description: "Fee benchmarked against comparable studies"
          mandatory: false
          role: finance
          acceptance: "Benchmark memo on file"
      F5:
        - id: CMM_F5_01
          description: "Final study received with underlying data sources"
          mandatory: true
          role: pmo
          acceptance: "Study plus raw data or source list archived"
          good_example: "Report with survey microdata and fieldwork logs"
          bad_example: "Slide deck with no sources"
        - id: CMM_F5_02
          description: "Internal use of findings documented"
          mandatory: true
          role: strategy
          acceptance: "Minutes or decision memo referencing the study"
        - id: CMM_F5_03
          description: "Working sessions with provider evidenced"
          mandatory: false
          role: pmo
          acceptance: "Calendar invites and minutes"
      F6:
        - id: CMM_F6_01
          description: "Deductibility memo links expense to income generation"
          mandatory: true
          role: fiscal
          acceptance: "Memo citing LISR art. 27 requirements"
      F8:
        - id: CMM_F8_01
          description: "CFDI concept matches contracted service"
          mandatory: true
          role: fiscal
          acceptance: "CFDI concept cross-checked against contract"

  INTRAGRUPO_MANAGEMENT_FEE:
    code: IMF
    name: "Intra-group management fee"
    inherent_risk: 70
    always_requires_human: true
    alert_list:
      - "no transfer pricing study"
      - "benefit test not documented"
      - "duplicated services with local staff"
    checklists:
      F2:
        - id: IMF_F2_01
          description: "Intercompany agreement with arm's-length pricing basis"
          mandatory: true
          role: legal
          acceptance: "Executed agreement citing TP methodology"
        - id: IMF_F2_02
          description: "Transfer pricing study covers the charged services"
          mandatory: true
          role: fiscal
          acceptance: "Current TP study on file"
      F5:
        - id: IMF_F5_01
          description: "Benefit test evidence per service line"
          mandatory: true
          role: fiscal
          acceptance: "Matrix of services received vs. local benefit"
          good_example: "Service-by-service log with named recipients"
          bad_example: "Annual allocation spreadsheet with no support"
        - id: IMF_F5_02
          description: "No duplication with local payroll functions"
          mandatory: true
          role: finance
          acceptance: "Org chart comparison memo"
      F6:
        - id: IMF_F6_01
          description: "BEPS/3-tier documentation consistency check"
          mandatory: true
          role: fiscal
          acceptance: "Local file reconciles with charges"
        - id: IMF_F6_02
          description: "Withholding treatment confirmed for cross-border fees"
          mandatory: false
          role: fiscal
          acceptance: "Treaty analysis memo"
      F8:
        - id: IMF_F8_01
          description: "Charge reconciles to TP study allocation keys"
          mandatory: true
          role: finance
          acceptance: "Reconciliation worksheet"

  DESARROLLO_SOFTWARE:
    code: DSW
    name: "Software development services"
    inherent_risk: 35
    always_requires_human: false
    alert_list:
      - "no repository or commit evidence"
      - "deliverables described only as hours"
    checklists:
      F2:
        - id: DSW_F2_01
          description: "Statement of work defines features and acceptance criteria"
          mandatory: true
          role: legal
          acceptance: "SOW with feature list and acceptance tests"
      F5:
        - id: DSW_F5_01
          description: "Source code or repository access delivered"
          mandatory: true
          role: pmo
          acceptance: "Repository handover record"
          good_example: "Tagged release with commit history"
          bad_example: "Zip file with binaries only"
        - id: DSW_F5_02
          description: "Acceptance test results signed off"
          mandatory: true
          role: pmo
          acceptance: "Signed UAT report"
      F6:
        - id: DSW_F6_01
          description: "Capitalization vs. expense treatment documented"
          mandatory: true
          role: finance
          acceptance: "Accounting memo"
      F8:
        - id: DSW_F8_01
          description: "Invoice milestones match SOW milestones"
          mandatory: true
          role: finance
          acceptance: "Milestone reconciliation"

rbac:
  roles:
    owner:
      description: "Full control of the workspace"
      permissions:
        - project.create
        - project.read
        - project.list
        - project.update
        - opinion.submit
        - document.update
        - checklist.update
        - phase.advance
        - phase.sendback
        - exception.record
        - risk.update
        - events.read
        - rbac.manage
    director:
      description: "Signs exceptions and advances gates"
      permissions:
        - project.read
        - project.list
        - phase.advance
        - phase.sendback
        - exception.record
        - events.read
    analista:
      description: "Maintains documents and checklists"
      permissions:
        - project.read
        - project.list
        - document.update
        - checklist.update
        - risk.update
        - events.read
    agente:
      description: "Submits agent opinions"
      permissions:
        - project.read
        - opinion.submit
  opinion_authorities:
    strategy: [owner, agente]
    pmo: [owner, agente]
    fiscal: [owner, agente]
    legal: [owner, agente]
    finance: [owner, agente]
    provider: [owner, agente]
    defensefile: [owner, agente]
    auditor: [owner, agente]
  exception_signers: [owner, director]

webhooks: []
`
